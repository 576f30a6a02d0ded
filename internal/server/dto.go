package server

import (
	"contractline/internal/domain"
	"contractline/internal/engine"
)

// Request payloads

type RegisterServiceRequest struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty" example:"[\"consumer\"]"`
}

type UploadSpecRequest struct {
	Version     string  `json:"version"`
	GitSHA      *string `json:"git_sha,omitempty"`
	SpecJSON    *string `json:"spec_json,omitempty"`
	PackageJSON *string `json:"package_json,omitempty"`
}

type RecordInteractionRequest struct {
	Provider        string `json:"provider"`
	Operation       string `json:"operation"`
	Consumer        string `json:"consumer"`
	ConsumerVersion string `json:"consumer_version"`
	ProviderVersion string `json:"provider_version,omitempty"`
	Environment     string `json:"environment,omitempty"`
	RequestJSON     string `json:"request_json"`
	ResponseJSON    string `json:"response_json"`
	SpecType        string `json:"spec_type,omitempty"`
}

type SetContractStatusRequest struct {
	Status string `json:"status" enum:"active,archived,deprecated"`
}

type RequestReverificationRequest struct {
	Consumer        string `json:"consumer"`
	ConsumerVersion string `json:"consumer_version"`
	Provider        string `json:"provider"`
	ProviderVersion string `json:"provider_version"`
}

type SubmitResultRequest struct {
	SpecType string                      `json:"spec_type,omitempty"`
	Outcomes []domain.InteractionOutcome `json:"outcomes"`
}

type RecordDeploymentRequest struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	Environment   string `json:"environment"`
	Status        string `json:"status" enum:"successful,failed"`
	GitSHA        string `json:"git_sha,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type ProposeFixtureRequest struct {
	Service         string   `json:"service"`
	Operation       string   `json:"operation"`
	ServiceVersions []string `json:"service_versions,omitempty"`
	DataJSON        string   `json:"data_json"`
	Source          string   `json:"source" enum:"consumer,provider"`
	Priority        int      `json:"priority,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

type FixtureReviewRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ApproveFixturesRequest struct {
	IDs     []string `json:"ids,omitempty"`
	Service string   `json:"service,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ReverificationResponse struct {
	Task    domain.VerificationTask `json:"task"`
	Created bool                    `json:"created"`
}

type RebuildContractsResponse struct {
	Contracts int `json:"contracts"`
}

type BatchOutcomesResponse struct {
	Outcomes []engine.BatchOutcome `json:"outcomes"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the plaintext secret, returned only at creation time.
	Key string `json:"key"`
}

type paginatedInteractions struct {
	Items      []domain.Interaction `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
