package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"contractline/internal/domain"
	"contractline/internal/events"
	"contractline/internal/repo"
)

// syncTasksForContractTx opens verification tasks for the contract's consumer
// version against every provider version currently deployed somewhere. A task
// is only opened when the exact version pair has never produced a result and
// no open task exists yet.
func (e Engine) syncTasksForContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract, actorID string) error {
	deployments, err := e.Repo.ActiveDeploymentsOfServiceTx(ctx, tx, c.ProviderName)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, d := range deployments {
		if seen[d.Version] {
			continue
		}
		seen[d.Version] = true
		if err := e.openTaskTx(ctx, tx, c, c.ConsumerVersion, d.Version, actorID); err != nil {
			return err
		}
	}
	return nil
}

// openTaskTx conditionally opens one verification task for an exact version
// pair. Skips silently when a result already exists, when no interaction
// evidence is recorded, or when an open task is already present.
func (e Engine) openTaskTx(ctx context.Context, tx *sql.Tx, c domain.Contract, consumerVersion, providerVersion, actorID string) error {
	if providerVersion == "" {
		return nil
	}
	done, err := e.Repo.HasAnyResultTx(ctx, tx, c.ConsumerName, consumerVersion, c.ProviderName, providerVersion)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	evidence, err := e.Repo.RecentInteractionIDsTx(ctx, tx, c.ConsumerName, consumerVersion, c.ProviderName, e.evidenceLimit())
	if err != nil {
		return err
	}
	if len(evidence) == 0 {
		return nil
	}
	t := domain.VerificationTask{
		ID:              uuid.New().String(),
		Provider:        c.ProviderName,
		ProviderVersion: providerVersion,
		Consumer:        c.ConsumerName,
		ConsumerVersion: consumerVersion,
		Interactions:    evidence,
		ContractID:      c.ID,
		CreatedAt:       e.nowRFC3339(),
	}
	inserted, err := e.Repo.InsertTaskIfAbsentTx(ctx, tx, t)
	if err != nil {
		return fmt.Errorf("open verification task: %w", err)
	}
	if !inserted {
		return nil
	}
	return e.Events.Append(ctx, tx, "verification.task.created", c.ProviderName, "verification_task", t.ID, actorID, events.EventPayload{
		"consumer":         c.ConsumerName,
		"consumer_version": consumerVersion,
		"provider_version": providerVersion,
	})
}

// onDeploymentActivatedTx re-syncs verification tasks after a service becomes
// active in some environment: as provider the new version must be checked
// against every consumer's expectations, and as consumer its expectations must
// be checked against every deployed provider version.
func (e Engine) onDeploymentActivatedTx(ctx context.Context, tx *sql.Tx, service, version, actorID string) error {
	asProvider, err := e.Repo.ContractsByProviderTx(ctx, tx, service)
	if err != nil {
		return err
	}
	for _, c := range asProvider {
		if err := e.openTaskTx(ctx, tx, c, c.ConsumerVersion, version, actorID); err != nil {
			return err
		}
	}
	asConsumer, err := e.Repo.ContractsByConsumerTx(ctx, tx, service)
	if err != nil {
		return err
	}
	for _, c := range asConsumer {
		deployments, err := e.Repo.ActiveDeploymentsOfServiceTx(ctx, tx, c.ProviderName)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, d := range deployments {
			if seen[d.Version] {
				continue
			}
			seen[d.Version] = true
			if err := e.openTaskTx(ctx, tx, c, version, d.Version, actorID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RequestReverification opens a fresh task for the exact version pair even
// when results already exist, so a failed run can be retried against a fixed
// provider build. Returns the existing open task when one is already pending.
func (e Engine) RequestReverification(ctx context.Context, consumer, consumerVersion, provider, providerVersion, actorID string) (domain.VerificationTask, bool, error) {
	switch {
	case consumer == "":
		return domain.VerificationTask{}, false, ValidationError{Field: "consumer", Reason: "is required"}
	case consumerVersion == "":
		return domain.VerificationTask{}, false, ValidationError{Field: "consumer_version", Reason: "is required"}
	case provider == "":
		return domain.VerificationTask{}, false, ValidationError{Field: "provider", Reason: "is required"}
	case providerVersion == "":
		return domain.VerificationTask{}, false, ValidationError{Field: "provider_version", Reason: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerificationTask{}, false, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContractByPairTx(ctx, tx, consumer, provider)
	if err != nil {
		return domain.VerificationTask{}, false, err
	}
	evidence, err := e.Repo.RecentInteractionIDsTx(ctx, tx, consumer, consumerVersion, provider, e.evidenceLimit())
	if err != nil {
		return domain.VerificationTask{}, false, err
	}
	if len(evidence) == 0 {
		return domain.VerificationTask{}, false, ValidationError{Field: "consumer_version", Reason: "no recorded interactions for this version"}
	}
	t := domain.VerificationTask{
		ID:              uuid.New().String(),
		Provider:        provider,
		ProviderVersion: providerVersion,
		Consumer:        consumer,
		ConsumerVersion: consumerVersion,
		Interactions:    evidence,
		ContractID:      c.ID,
		CreatedAt:       e.nowRFC3339(),
	}
	inserted, err := e.Repo.InsertTaskIfAbsentTx(ctx, tx, t)
	if err != nil {
		return domain.VerificationTask{}, false, err
	}
	if !inserted {
		existing, err := e.Repo.GetOpenTaskTx(ctx, tx, consumer, consumerVersion, provider, providerVersion)
		if err != nil {
			return domain.VerificationTask{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.VerificationTask{}, false, err
		}
		return existing, false, nil
	}
	if err := e.Events.Append(ctx, tx, "verification.task.created", provider, "verification_task", t.ID, actorID, events.EventPayload{
		"consumer":         consumer,
		"consumer_version": consumerVersion,
		"provider_version": providerVersion,
		"requested":        true,
	}); err != nil {
		return domain.VerificationTask{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerificationTask{}, false, err
	}
	return t, true, nil
}

// SubmitResultOptions are parameters for submitting a verification run.
type SubmitResultOptions struct {
	TaskID   string
	SpecType string
	Outcomes []domain.InteractionOutcome
	ActorID  string
}

// SubmitVerificationResult records the immutable result of a verification run
// and closes its task. Submitting against a closed or unknown task fails with
// repo.ErrNotFound.
func (e Engine) SubmitVerificationResult(ctx context.Context, opts SubmitResultOptions) (domain.VerificationResult, error) {
	if opts.TaskID == "" {
		return domain.VerificationResult{}, ValidationError{Field: "task_id", Reason: "is required"}
	}
	if len(opts.Outcomes) == 0 {
		return domain.VerificationResult{}, ValidationError{Field: "outcomes", Reason: "must not be empty"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if t.Closed {
		return domain.VerificationResult{}, repo.ErrNotFound
	}

	var summary domain.Summary
	for _, o := range opts.Outcomes {
		summary.Total++
		if o.Success {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}
	res := domain.VerificationResult{
		ID:              uuid.New().String(),
		TaskID:          t.ID,
		Provider:        t.Provider,
		ProviderVersion: t.ProviderVersion,
		Consumer:        t.Consumer,
		ConsumerVersion: t.ConsumerVersion,
		SpecType:        opts.SpecType,
		Outcomes:        opts.Outcomes,
		Summary:         summary,
		SubmittedAt:     e.nowRFC3339(),
		SubmittedBy:     opts.ActorID,
	}
	if err := e.Repo.InsertResultTx(ctx, tx, res); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("insert result: %w", err)
	}
	if err := e.Repo.CloseTaskTx(ctx, tx, t.ID); err != nil {
		return domain.VerificationResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "verification.result.submitted", t.Provider, "verification_result", res.ID, opts.ActorID, events.EventPayload{
		"task_id": t.ID,
		"passed":  summary.Passed,
		"failed":  summary.Failed,
	}); err != nil {
		return domain.VerificationResult{}, err
	}
	if e.Config != nil && e.Config.Fixtures.AutoPropose {
		if err := e.proposeFixturesFromResultTx(ctx, tx, t, res); err != nil {
			return domain.VerificationResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.VerificationResult{}, err
	}
	return res, nil
}

// proposeFixturesFromResultTx drafts one fixture per passing outcome, using
// the interaction's recorded response as the fixture payload.
func (e Engine) proposeFixturesFromResultTx(ctx context.Context, tx *sql.Tx, t domain.VerificationTask, res domain.VerificationResult) error {
	for _, o := range res.Outcomes {
		if !o.Success {
			continue
		}
		in, err := e.Repo.GetInteractionTx(ctx, tx, o.InteractionID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		data := o.ActualJSON
		if data == "" {
			data = in.ResponseJSON
		}
		f := domain.Fixture{
			ID:              uuid.New().String(),
			Service:         t.Provider,
			Operation:       in.Operation,
			ServiceVersions: []string{t.ProviderVersion},
			DataJSON:        data,
			Source:          "provider",
			Priority:        e.Config.Fixtures.DefaultPriority,
			Status:          "draft",
			CreatedFrom:     res.ID,
			CreatedAt:       e.nowRFC3339(),
		}
		if err := e.Repo.InsertFixtureTx(ctx, tx, f); err != nil {
			return fmt.Errorf("draft fixture: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "fixture.proposed", f.Service, "fixture", f.ID, res.SubmittedBy, events.EventPayload{
			"operation": f.Operation,
			"source":    "verification",
		}); err != nil {
			return err
		}
	}
	return nil
}

// ListPendingTasks returns the provider's open verification queue.
func (e Engine) ListPendingTasks(ctx context.Context, provider string, limit int) ([]domain.VerificationTask, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{Provider: provider, Limit: limit})
}
