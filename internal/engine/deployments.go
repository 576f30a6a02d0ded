package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"contractline/internal/domain"
	"contractline/internal/events"
	"contractline/internal/repo"
)

// RecordDeploymentOptions are parameters for recording a deployment attempt.
type RecordDeploymentOptions struct {
	Service       string
	Version       string
	Environment   string
	Status        string
	GitSHA        string
	FailureReason string
	ActorID       string
}

// RecordDeployment writes one deployment attempt into the ledger. A
// successful attempt atomically becomes the single active deployment of the
// service in that environment and re-syncs verification tasks; a failed
// attempt is recorded inactive with its failure reason.
func (e Engine) RecordDeployment(ctx context.Context, opts RecordDeploymentOptions) (domain.DeploymentState, error) {
	switch {
	case opts.Service == "":
		return domain.DeploymentState{}, ValidationError{Field: "service", Reason: "is required"}
	case opts.Version == "":
		return domain.DeploymentState{}, ValidationError{Field: "version", Reason: "is required"}
	case opts.Environment == "":
		return domain.DeploymentState{}, ValidationError{Field: "environment", Reason: "is required"}
	}
	if opts.Status != "successful" && opts.Status != "failed" {
		return domain.DeploymentState{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	if opts.Status == "failed" && opts.FailureReason == "" {
		return domain.DeploymentState{}, ValidationError{Field: "failure_reason", Reason: "is required for a failed deployment"}
	}
	if e.Config != nil && !e.Config.KnownEnvironment(opts.Environment) {
		return domain.DeploymentState{}, ValidationError{Field: "environment", Reason: fmt.Sprintf("unknown environment %q", opts.Environment)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeploymentState{}, err
	}
	defer tx.Rollback()

	if _, _, err := e.ensureServiceTx(ctx, tx, opts.Service, nil); err != nil {
		return domain.DeploymentState{}, err
	}
	d := domain.DeploymentState{
		ID:            uuid.New().String(),
		Service:       opts.Service,
		Version:       opts.Version,
		Environment:   opts.Environment,
		Status:        opts.Status,
		GitSHA:        optionalString(opts.GitSHA),
		FailureReason: optionalString(opts.FailureReason),
		DeployedAt:    e.nowRFC3339(),
		DeployedBy:    opts.ActorID,
	}
	if opts.Status == "successful" {
		d.Active = true
		if err := e.Repo.DeactivateActiveTx(ctx, tx, opts.Service, opts.Environment); err != nil {
			return domain.DeploymentState{}, err
		}
	}
	if err := e.Repo.InsertDeploymentTx(ctx, tx, d); err != nil {
		return domain.DeploymentState{}, fmt.Errorf("insert deployment: %w", err)
	}

	if opts.Status == "successful" {
		if err := e.Events.Append(ctx, tx, "deployment.activated", opts.Service, "deployment", d.ID, opts.ActorID, events.EventPayload{
			"version":     opts.Version,
			"environment": opts.Environment,
		}); err != nil {
			return domain.DeploymentState{}, err
		}
		if err := e.onDeploymentActivatedTx(ctx, tx, opts.Service, opts.Version, opts.ActorID); err != nil {
			return domain.DeploymentState{}, err
		}
	} else {
		if err := e.Events.Append(ctx, tx, "deployment.failed", opts.Service, "deployment", d.ID, opts.ActorID, events.EventPayload{
			"version":     opts.Version,
			"environment": opts.Environment,
			"reason":      opts.FailureReason,
		}); err != nil {
			return domain.DeploymentState{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.DeploymentState{}, err
	}
	return d, nil
}

// ActiveDeployment returns the single active deployment of a service in an
// environment.
func (e Engine) ActiveDeployment(ctx context.Context, service, environment string) (domain.DeploymentState, error) {
	return e.Repo.GetActiveDeployment(ctx, service, environment)
}

// DeploymentHistory lists deployment attempts newest first.
func (e Engine) DeploymentHistory(ctx context.Context, service, environment string, limit int) ([]domain.DeploymentState, error) {
	return e.Repo.ListDeployments(ctx, repo.DeploymentFilters{Service: service, Environment: environment, Limit: limit})
}
