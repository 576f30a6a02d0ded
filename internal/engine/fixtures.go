package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"contractline/internal/domain"
	"contractline/internal/events"
	"contractline/internal/repo"
)

const (
	FixtureDraft    = "draft"
	FixtureApproved = "approved"
	FixtureRejected = "rejected"
)

// fixtureTransitions is the legal edge set of the fixture lifecycle. A
// rejected fixture can be re-approved after review but never returns to
// draft.
var fixtureTransitions = map[string][]string{
	FixtureDraft:    {FixtureApproved, FixtureRejected},
	FixtureApproved: {FixtureRejected},
	FixtureRejected: {FixtureApproved},
}

func canTransition(from, to string) bool {
	for _, t := range fixtureTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ProposeFixtureOptions are parameters for drafting a fixture by hand.
type ProposeFixtureOptions struct {
	Service         string
	Operation       string
	ServiceVersions []string
	DataJSON        string
	Source          string
	Priority        int
	Notes           string
	CreatedFrom     string
	ActorID         string
}

// ProposeFixture creates a fixture in draft. Draft is the only entry point of
// the lifecycle; approval is always a separate, audited step.
func (e Engine) ProposeFixture(ctx context.Context, opts ProposeFixtureOptions) (domain.Fixture, error) {
	switch {
	case opts.Service == "":
		return domain.Fixture{}, ValidationError{Field: "service", Reason: "is required"}
	case opts.Operation == "":
		return domain.Fixture{}, ValidationError{Field: "operation", Reason: "is required"}
	}
	if opts.Source != "consumer" && opts.Source != "provider" {
		return domain.Fixture{}, ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", opts.Source)}
	}
	if !json.Valid([]byte(opts.DataJSON)) {
		return domain.Fixture{}, ValidationError{Field: "data_json", Reason: "must be valid JSON"}
	}
	priority := opts.Priority
	if priority == 0 && e.Config != nil {
		priority = e.Config.Fixtures.DefaultPriority
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Fixture{}, err
	}
	defer tx.Rollback()

	f := domain.Fixture{
		ID:              uuid.New().String(),
		Service:         opts.Service,
		Operation:       opts.Operation,
		ServiceVersions: opts.ServiceVersions,
		DataJSON:        opts.DataJSON,
		Source:          opts.Source,
		Priority:        priority,
		Status:          FixtureDraft,
		CreatedFrom:     opts.CreatedFrom,
		Notes:           opts.Notes,
		CreatedAt:       e.nowRFC3339(),
	}
	if err := e.Repo.InsertFixtureTx(ctx, tx, f); err != nil {
		return domain.Fixture{}, fmt.Errorf("insert fixture: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "fixture.proposed", f.Service, "fixture", f.ID, opts.ActorID, events.EventPayload{
		"operation": f.Operation,
		"source":    f.Source,
	}); err != nil {
		return domain.Fixture{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Fixture{}, err
	}
	return f, nil
}

// ApproveFixture moves a fixture to approved, stamping who approved it and
// when. Approving an already-approved fixture is a no-op.
func (e Engine) ApproveFixture(ctx context.Context, id, approvedBy, notes string) (domain.Fixture, error) {
	return e.transitionFixture(ctx, id, FixtureApproved, "fixture.approved", approvedBy, notes)
}

// RejectFixture moves a draft fixture to rejected. Rejecting an
// already-rejected fixture is a no-op; rejecting from approved must go
// through RevokeFixture so revocation stays visible in the event ledger.
func (e Engine) RejectFixture(ctx context.Context, id, actorID, notes string) (domain.Fixture, error) {
	f, err := e.Repo.GetFixture(ctx, id)
	if err != nil {
		return domain.Fixture{}, err
	}
	if f.Status == FixtureApproved {
		return domain.Fixture{}, InvalidTransitionError{Entity: "fixture", From: FixtureApproved, To: FixtureRejected}
	}
	return e.transitionFixture(ctx, id, FixtureRejected, "fixture.rejected", actorID, notes)
}

// RevokeFixture withdraws an approved fixture, moving it to rejected.
func (e Engine) RevokeFixture(ctx context.Context, id, actorID, notes string) (domain.Fixture, error) {
	f, err := e.Repo.GetFixture(ctx, id)
	if err != nil {
		return domain.Fixture{}, err
	}
	if f.Status == FixtureDraft {
		return domain.Fixture{}, InvalidTransitionError{Entity: "fixture", From: FixtureDraft, To: FixtureRejected}
	}
	return e.transitionFixture(ctx, id, FixtureRejected, "fixture.revoked", actorID, notes)
}

// transitionFixture performs one guarded status move. The UPDATE is fenced on
// the status read inside the same transaction, so a concurrent transition
// surfaces as a conflict instead of silently winning.
func (e Engine) transitionFixture(ctx context.Context, id, to, evtType, actorID, notes string) (domain.Fixture, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Fixture{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetFixtureTx(ctx, tx, id)
	if err != nil {
		return domain.Fixture{}, err
	}
	if f.Status == to {
		return f, nil
	}
	if !canTransition(f.Status, to) {
		return domain.Fixture{}, InvalidTransitionError{Entity: "fixture", From: f.Status, To: to}
	}
	var approvedAt, approvedBy *string
	if to == FixtureApproved {
		ts := e.nowRFC3339()
		approvedAt = &ts
		approvedBy = &actorID
	}
	moved, err := e.Repo.TransitionFixtureTx(ctx, tx, id, f.Status, to, approvedAt, approvedBy, notes)
	if err != nil {
		return domain.Fixture{}, err
	}
	if !moved {
		return domain.Fixture{}, ConflictError{Op: fmt.Sprintf("fixture %s changed concurrently", id)}
	}
	if err := e.Events.Append(ctx, tx, evtType, f.Service, "fixture", id, actorID, events.EventPayload{
		"from": f.Status,
		"to":   to,
	}); err != nil {
		return domain.Fixture{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Fixture{}, err
	}
	return e.Repo.GetFixture(ctx, id)
}

// BatchOutcome is the per-fixture result of a bulk approval.
type BatchOutcome struct {
	ID  string `json:"id"`
	OK  bool   `json:"ok"`
	Err string `json:"error,omitempty"`
}

// ApproveFixtures approves each id independently, collecting per-item
// outcomes instead of failing the whole batch on the first bad fixture.
func (e Engine) ApproveFixtures(ctx context.Context, ids []string, approvedBy string) []BatchOutcome {
	out := make([]BatchOutcome, 0, len(ids))
	for _, id := range ids {
		_, err := e.ApproveFixture(ctx, id, approvedBy, "")
		o := BatchOutcome{ID: id, OK: err == nil}
		if err != nil {
			o.Err = err.Error()
		}
		out = append(out, o)
	}
	return out
}

// ApproveAllDrafts approves every draft fixture of a service.
func (e Engine) ApproveAllDrafts(ctx context.Context, service, approvedBy string) ([]BatchOutcome, error) {
	if service == "" {
		return nil, ValidationError{Field: "service", Reason: "is required"}
	}
	ids, err := e.Repo.ListDraftFixtureIDs(ctx, service)
	if err != nil {
		return nil, err
	}
	return e.ApproveFixtures(ctx, ids, approvedBy), nil
}

// ApprovedFixtures returns the approved fixtures for an operation ordered by
// priority, the selection a mock server would serve from.
func (e Engine) ApprovedFixtures(ctx context.Context, service, operation string) ([]domain.Fixture, error) {
	return e.Repo.ListFixtures(ctx, repo.FixtureFilters{
		Service:   service,
		Operation: operation,
		Status:    FixtureApproved,
	})
}
