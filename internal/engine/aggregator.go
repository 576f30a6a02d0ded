package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"contractline/internal/domain"
	"contractline/internal/events"
	"contractline/internal/repo"
)

// RecordInteractionOptions are parameters for recording one observed
// request/response pair.
type RecordInteractionOptions struct {
	Provider        string
	Operation       string
	Consumer        string
	ConsumerVersion string
	ProviderVersion string
	Environment     string
	RequestJSON     string
	ResponseJSON    string
	SpecType        string
	ActorID         string
}

func (o RecordInteractionOptions) validate() error {
	switch {
	case o.Provider == "":
		return ValidationError{Field: "provider", Reason: "is required"}
	case o.Operation == "":
		return ValidationError{Field: "operation", Reason: "is required"}
	case o.Consumer == "":
		return ValidationError{Field: "consumer", Reason: "is required"}
	case o.ConsumerVersion == "":
		return ValidationError{Field: "consumer_version", Reason: "is required"}
	}
	var response map[string]json.RawMessage
	if err := json.Unmarshal([]byte(o.ResponseJSON), &response); err != nil {
		return ValidationError{Field: "response_json", Reason: "must be a JSON object"}
	}
	if _, ok := response["status"]; !ok {
		return ValidationError{Field: "response_json", Reason: "must carry a status field"}
	}
	return nil
}

// contractID derives a stable contract id from the pair so a rebuild from the
// interaction ledger reproduces the same ids.
func contractID(consumer, provider string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(consumer+"|"+provider)).String()
}

// RecordInteraction appends an interaction to the ledger, refreshes the
// derived contract rollup, and syncs verification tasks against active
// provider deployments, all in one transaction.
func (e Engine) RecordInteraction(ctx context.Context, opts RecordInteractionOptions) (domain.Interaction, error) {
	if err := opts.validate(); err != nil {
		return domain.Interaction{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Interaction{}, err
	}
	defer tx.Rollback()

	if _, _, err := e.ensureServiceTx(ctx, tx, opts.Consumer, []string{RoleConsumer}); err != nil {
		return domain.Interaction{}, err
	}
	if _, _, err := e.ensureServiceTx(ctx, tx, opts.Provider, []string{RoleProvider}); err != nil {
		return domain.Interaction{}, err
	}

	ts := e.nowRFC3339()
	c, created, err := e.resolveContractTx(ctx, tx, opts, ts)
	if err != nil {
		return domain.Interaction{}, err
	}

	in := domain.Interaction{
		ID:              uuid.New().String(),
		Provider:        opts.Provider,
		Operation:       opts.Operation,
		Consumer:        opts.Consumer,
		ConsumerVersion: opts.ConsumerVersion,
		ProviderVersion: opts.ProviderVersion,
		Environment:     opts.Environment,
		RequestJSON:     opts.RequestJSON,
		ResponseJSON:    opts.ResponseJSON,
		ContractID:      &c.ID,
		TS:              ts,
	}
	if err := e.Repo.InsertInteractionTx(ctx, tx, in); err != nil {
		return domain.Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}
	if err := e.Repo.RefreshContractRollupTx(ctx, tx, c.ID, opts.ConsumerVersion, opts.ProviderVersion, opts.SpecType, ts); err != nil {
		return domain.Interaction{}, fmt.Errorf("refresh contract: %w", err)
	}

	if err := e.Events.Append(ctx, tx, "interaction.recorded", opts.Consumer, "interaction", in.ID, opts.ActorID, events.EventPayload{
		"provider":  opts.Provider,
		"operation": opts.Operation,
	}); err != nil {
		return domain.Interaction{}, err
	}
	contractEvent := "contract.updated"
	if created {
		contractEvent = "contract.created"
	}
	if err := e.Events.Append(ctx, tx, contractEvent, opts.Consumer, "contract", c.ID, opts.ActorID, events.EventPayload{
		"provider": opts.Provider,
	}); err != nil {
		return domain.Interaction{}, err
	}

	// Reload so task evidence sees the refreshed rollup versions.
	c, err = e.Repo.GetContractByPairTx(ctx, tx, opts.Consumer, opts.Provider)
	if err != nil {
		return domain.Interaction{}, err
	}
	if c.Status == "active" {
		if err := e.syncTasksForContractTx(ctx, tx, c, opts.ActorID); err != nil {
			return domain.Interaction{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Interaction{}, err
	}
	return in, nil
}

func (e Engine) resolveContractTx(ctx context.Context, tx *sql.Tx, opts RecordInteractionOptions, ts string) (domain.Contract, bool, error) {
	c, err := e.Repo.GetContractByPairTx(ctx, tx, opts.Consumer, opts.Provider)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, false, err
	}
	c = domain.Contract{
		ID:              contractID(opts.Consumer, opts.Provider),
		ConsumerName:    opts.Consumer,
		ConsumerVersion: opts.ConsumerVersion,
		ProviderName:    opts.Provider,
		ProviderVersion: opts.ProviderVersion,
		SpecType:        opts.SpecType,
		Status:          "active",
		LastSeen:        ts,
		CreatedAt:       ts,
	}
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		return domain.Contract{}, false, fmt.Errorf("insert contract: %w", err)
	}
	return c, true, nil
}

var contractStatuses = map[string]bool{"active": true, "archived": true, "deprecated": true}

// SetContractStatus moves a contract between active, archived and deprecated.
func (e Engine) SetContractStatus(ctx context.Context, id, status, actorID string) (domain.Contract, error) {
	if !contractStatuses[status] {
		return domain.Contract{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateContractStatus(ctx, tx, id, status); err != nil {
		return domain.Contract{}, err
	}
	if err := e.Events.Append(ctx, tx, "contract.status_changed", "", "contract", id, actorID, events.EventPayload{
		"status": status,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return e.Repo.GetContract(ctx, id)
}

// RebuildContracts drops every contract row and recomputes the set from the
// interaction ledger. Because contract ids are derived from the pair, the
// rebuilt rows keep the ids referenced by interactions and tasks.
func (e Engine) RebuildContracts(ctx context.Context, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteContractsTx(ctx, tx); err != nil {
		return 0, fmt.Errorf("clear contracts: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT consumer, provider,
  COUNT(*),
  MIN(ts),
  MAX(ts)
FROM interactions GROUP BY consumer, provider`)
	if err != nil {
		return 0, err
	}
	type pairAgg struct {
		consumer, provider  string
		count               int
		firstSeen, lastSeen string
	}
	var pairs []pairAgg
	for rows.Next() {
		var p pairAgg
		if err := rows.Scan(&p.consumer, &p.provider, &p.count, &p.firstSeen, &p.lastSeen); err != nil {
			rows.Close()
			return 0, err
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range pairs {
		// Derived versions come from the newest interaction of the pair.
		var consumerVersion, providerVersion string
		err := tx.QueryRowContext(ctx, `SELECT consumer_version, provider_version FROM interactions
WHERE consumer=? AND provider=? ORDER BY ts DESC, id DESC LIMIT 1`, p.consumer, p.provider).
			Scan(&consumerVersion, &providerVersion)
		if err != nil {
			return 0, err
		}
		c := domain.Contract{
			ID:               contractID(p.consumer, p.provider),
			ConsumerName:     p.consumer,
			ConsumerVersion:  consumerVersion,
			ProviderName:     p.provider,
			ProviderVersion:  providerVersion,
			InteractionCount: p.count,
			Status:           "active",
			LastSeen:         p.lastSeen,
			CreatedAt:        p.firstSeen,
		}
		if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
			return 0, fmt.Errorf("rebuild contract %s->%s: %w", p.consumer, p.provider, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "contracts.rebuilt", "", "contract", "", actorID, events.EventPayload{
		"count": len(pairs),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(pairs), nil
}
