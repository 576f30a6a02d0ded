package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"contractline/internal/domain"
	"contractline/internal/events"
	"contractline/internal/repo"
)

const (
	RoleConsumer = "consumer"
	RoleProvider = "provider"
)

func validRole(role string) bool {
	return role == RoleConsumer || role == RoleProvider
}

// RegisterService creates the service or extends its role set. Registration
// is idempotent; roles accumulate because a service may hold both sides of a
// contract at once.
func (e Engine) RegisterService(ctx context.Context, name string, roles []string, actorID string) (domain.Service, error) {
	if name == "" {
		return domain.Service{}, ValidationError{Field: "name", Reason: "is required"}
	}
	for _, role := range roles {
		if !validRole(role) {
			return domain.Service{}, ValidationError{Field: "roles", Reason: fmt.Sprintf("unknown role %q", role)}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Service{}, err
	}
	defer tx.Rollback()

	s, changed, err := e.ensureServiceTx(ctx, tx, name, roles)
	if err != nil {
		return domain.Service{}, err
	}
	if changed {
		if err := e.Events.Append(ctx, tx, "service.registered", s.Name, "service", s.Name, actorID, events.EventPayload{"roles": s.Roles}); err != nil {
			return domain.Service{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Service{}, err
	}
	return s, nil
}

// ensureServiceTx inserts the service or unions the requested roles into the
// existing row. Reports whether anything was written.
func (e Engine) ensureServiceTx(ctx context.Context, tx *sql.Tx, name string, roles []string) (domain.Service, bool, error) {
	s, err := e.Repo.GetServiceTx(ctx, tx, name)
	if errors.Is(err, repo.ErrNotFound) {
		s = domain.Service{
			Name:      name,
			Roles:     normalizeRoles(nil, roles),
			CreatedAt: e.nowRFC3339(),
		}
		if err := e.Repo.InsertServiceTx(ctx, tx, s); err != nil {
			return domain.Service{}, false, fmt.Errorf("insert service: %w", err)
		}
		return s, true, nil
	}
	if err != nil {
		return domain.Service{}, false, err
	}
	merged := normalizeRoles(s.Roles, roles)
	if slices.Equal(merged, s.Roles) {
		return s, false, nil
	}
	s.Roles = merged
	if err := e.Repo.UpdateServiceRolesTx(ctx, tx, name, merged); err != nil {
		return domain.Service{}, false, fmt.Errorf("update service roles: %w", err)
	}
	return s, true, nil
}

func normalizeRoles(existing, extra []string) []string {
	set := map[string]bool{}
	for _, r := range existing {
		set[r] = true
	}
	for _, r := range extra {
		set[r] = true
	}
	var out []string
	for _, r := range []string{RoleConsumer, RoleProvider} {
		if set[r] {
			out = append(out, r)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// UploadSpecOptions are parameters for publishing a service version snapshot.
type UploadSpecOptions struct {
	Service     string
	Version     string
	GitSHA      string
	SpecJSON    string
	PackageJSON string
	ActorID     string
}

// UploadSpec creates an immutable ServiceVersion. Re-uploading an existing
// (service, version) pair is a conflict: a new snapshot needs a new version.
func (e Engine) UploadSpec(ctx context.Context, opts UploadSpecOptions) (domain.ServiceVersion, error) {
	if opts.Service == "" {
		return domain.ServiceVersion{}, ValidationError{Field: "service", Reason: "is required"}
	}
	if opts.Version == "" {
		return domain.ServiceVersion{}, ValidationError{Field: "version", Reason: "is required"}
	}
	if _, err := e.Repo.GetServiceVersion(ctx, opts.Service, opts.Version); err == nil {
		return domain.ServiceVersion{}, ConflictError{Op: fmt.Sprintf("version %s of %s already uploaded", opts.Version, opts.Service)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ServiceVersion{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceVersion{}, err
	}
	defer tx.Rollback()

	if _, _, err := e.ensureServiceTx(ctx, tx, opts.Service, nil); err != nil {
		return domain.ServiceVersion{}, err
	}
	v := domain.ServiceVersion{
		ID:          uuid.New().String(),
		Service:     opts.Service,
		Version:     opts.Version,
		GitSHA:      optionalString(opts.GitSHA),
		SpecJSON:    optionalString(opts.SpecJSON),
		PackageJSON: optionalString(opts.PackageJSON),
		CreatedAt:   e.nowRFC3339(),
		CreatedBy:   opts.ActorID,
	}
	if err := e.Repo.InsertServiceVersionTx(ctx, tx, v); err != nil {
		return domain.ServiceVersion{}, fmt.Errorf("insert service version: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "spec.uploaded", v.Service, "service_version", v.ID, opts.ActorID, events.EventPayload{
		"version": v.Version,
		"git_sha": opts.GitSHA,
	}); err != nil {
		return domain.ServiceVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceVersion{}, err
	}
	return v, nil
}

// StaleContracts proposes long-unseen active contracts for archival. The
// engine never archives anything itself; that stays an operator decision.
func (e Engine) StaleContracts(ctx context.Context, olderThan time.Duration) ([]domain.Contract, error) {
	if olderThan <= 0 {
		return nil, ValidationError{Field: "older_than", Reason: "must be positive"}
	}
	cutoff := e.now().UTC().Add(-olderThan).Format(time.RFC3339)
	return e.Repo.StaleContracts(ctx, cutoff)
}
