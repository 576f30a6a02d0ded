package domain

// Service is a named participant in the contract graph. A service may act as
// consumer, provider, or both; roles accumulate and never conflict.
type Service struct {
	Name      string   `json:"name"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// ServiceVersion is an immutable snapshot of a service at a semantic version.
// A new upload always creates a new row, never mutates an existing one.
type ServiceVersion struct {
	ID          string  `json:"id"`
	Service     string  `json:"service"`
	Version     string  `json:"version"`
	GitSHA      *string `json:"git_sha,omitempty"`
	SpecJSON    *string `json:"spec_json,omitempty"`
	PackageJSON *string `json:"package_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CreatedBy   string  `json:"created_by"`
}

// Interaction is one recorded consumer request/response pair against a
// provider operation. Append-only evidence; never updated or deleted.
type Interaction struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	Operation       string  `json:"operation"`
	Consumer        string  `json:"consumer"`
	ConsumerVersion string  `json:"consumer_version"`
	ProviderVersion string  `json:"provider_version"`
	Environment     string  `json:"environment,omitempty"`
	RequestJSON     string  `json:"request_json"`
	ResponseJSON    string  `json:"response_json"`
	ContractID      *string `json:"contract_id,omitempty"`
	TS              string  `json:"ts" format:"date-time"`
}

// Contract is the derived relationship between one consumer and one provider.
// interaction_count and last_seen are recomputed from the interaction ledger,
// never hand-maintained. The provider version is the one the consumer most
// recently observed responses from.
type Contract struct {
	ID               string `json:"id"`
	ConsumerName     string `json:"consumer_name"`
	ConsumerVersion  string `json:"consumer_version"`
	ProviderName     string `json:"provider_name"`
	ProviderVersion  string `json:"provider_version"`
	SpecType         string `json:"spec_type,omitempty"`
	InteractionCount int    `json:"interaction_count"`
	Status           string `json:"status" enum:"active,archived,deprecated"`
	LastSeen         string `json:"last_seen" format:"date-time"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// VerificationTask is a pending request for a provider to prove it satisfies
// a consumer's recorded expectations. At most one open task exists per
// (consumer, consumer_version, provider, provider_version) tuple.
type VerificationTask struct {
	ID              string   `json:"id"`
	Provider        string   `json:"provider"`
	ProviderVersion string   `json:"provider_version"`
	Consumer        string   `json:"consumer"`
	ConsumerVersion string   `json:"consumer_version"`
	Interactions    []string `json:"interactions"`
	ContractID      string   `json:"contract_id"`
	Closed          bool     `json:"closed"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// OutcomeError is the structured failure detail attached to an outcome.
type OutcomeError struct {
	Type     string `json:"type,omitempty"`
	Message  string `json:"message,omitempty"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// InteractionOutcome is the per-interaction result inside a verification run.
type InteractionOutcome struct {
	InteractionID string        `json:"interaction_id"`
	Success       bool          `json:"success"`
	ActualJSON    string        `json:"actual_json,omitempty"`
	Error         *OutcomeError `json:"error,omitempty"`
}

// Summary is the rollup over a result's outcomes.
type Summary struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// VerificationResult is the immutable outcome of executing a verification
// task. A re-verification produces a new result, never an edit.
type VerificationResult struct {
	ID              string               `json:"id"`
	TaskID          string               `json:"task_id"`
	Provider        string               `json:"provider"`
	ProviderVersion string               `json:"provider_version"`
	Consumer        string               `json:"consumer"`
	ConsumerVersion string               `json:"consumer_version"`
	SpecType        string               `json:"spec_type,omitempty"`
	Outcomes        []InteractionOutcome `json:"outcomes"`
	Summary         Summary              `json:"summary"`
	SubmittedAt     string               `json:"submitted_at" format:"date-time"`
	SubmittedBy     string               `json:"submitted_by"`
}

// Fixture is a curated example request/response used as deterministic mock
// data. Lifecycle: draft -> approved | rejected, approved -> rejected.
type Fixture struct {
	ID              string   `json:"id"`
	Service         string   `json:"service"`
	Operation       string   `json:"operation"`
	ServiceVersions []string `json:"service_versions"`
	DataJSON        string   `json:"data_json"`
	Source          string   `json:"source" enum:"consumer,provider"`
	Priority        int      `json:"priority"`
	Status          string   `json:"status" enum:"draft,approved,rejected"`
	CreatedFrom     string   `json:"created_from,omitempty"`
	ApprovedAt      *string  `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy      *string  `json:"approved_by,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// DeploymentState records one deployment attempt of a service version into an
// environment. At most one row is active per (service, environment).
type DeploymentState struct {
	ID            string  `json:"id"`
	Service       string  `json:"service"`
	Version       string  `json:"version"`
	Environment   string  `json:"environment"`
	Active        bool    `json:"active"`
	Status        string  `json:"status" enum:"successful,failed"`
	GitSHA        *string `json:"git_sha,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
	DeployedAt    string  `json:"deployed_at" format:"date-time"`
	DeployedBy    string  `json:"deployed_by"`
}

// Decision is the answer of the compatibility gate.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason"`
	Details []PairEvidence `json:"details,omitempty"`
}

// PairEvidence explains the gate's finding for one version pair.
type PairEvidence struct {
	Consumer        string `json:"consumer"`
	ConsumerVersion string `json:"consumer_version"`
	Provider        string `json:"provider"`
	ProviderVersion string `json:"provider_version"`
	State           string `json:"state" enum:"passed,failed,unverified"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Service    string `json:"service,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
