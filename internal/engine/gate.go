package engine

import (
	"context"
	"errors"
	"fmt"

	"contractline/internal/domain"
	"contractline/internal/repo"
)

// CanDeploy answers whether deploying service@version in a given role into an
// environment is compatible with what is already active there. The gate is a
// pure read: it never opens tasks or writes anything.
//
// Version matching is exact: evidence for other versions of either side never
// counts, and an allowed answer requires a passing result for every exact
// pair against the environment's active counterparts.
func (e Engine) CanDeploy(ctx context.Context, service, version, role, environment string) (domain.Decision, error) {
	switch {
	case service == "":
		return domain.Decision{}, ValidationError{Field: "service", Reason: "is required"}
	case version == "":
		return domain.Decision{}, ValidationError{Field: "version", Reason: "is required"}
	case environment == "":
		return domain.Decision{}, ValidationError{Field: "environment", Reason: "is required"}
	}
	if !validRole(role) {
		return domain.Decision{}, ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if e.Config != nil && !e.Config.KnownEnvironment(environment) {
		return domain.Decision{}, ValidationError{Field: "environment", Reason: fmt.Sprintf("unknown environment %q", environment)}
	}
	if e.Config != nil && e.Config.Gate.RequireRegistered {
		if _, err := e.Repo.GetService(ctx, service); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Decision{}, ValidationError{Field: "service", Reason: "is not registered"}
			}
			return domain.Decision{}, err
		}
	}

	var pairs []domain.PairEvidence
	var contracts int
	if role == RoleConsumer {
		cs, err := e.Repo.ListContracts(ctx, repo.ContractFilters{Consumer: service, Status: "active"})
		if err != nil {
			return domain.Decision{}, err
		}
		contracts = len(cs)
		for _, c := range cs {
			d, err := e.Repo.GetActiveDeployment(ctx, c.ProviderName, environment)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Decision{}, err
			}
			ev, err := e.pairEvidence(ctx, service, version, c.ProviderName, d.Version)
			if err != nil {
				return domain.Decision{}, err
			}
			pairs = append(pairs, ev)
		}
	} else {
		cs, err := e.Repo.ListContracts(ctx, repo.ContractFilters{Provider: service, Status: "active"})
		if err != nil {
			return domain.Decision{}, err
		}
		contracts = len(cs)
		for _, c := range cs {
			d, err := e.Repo.GetActiveDeployment(ctx, c.ConsumerName, environment)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return domain.Decision{}, err
			}
			ev, err := e.pairEvidence(ctx, c.ConsumerName, d.Version, service, version)
			if err != nil {
				return domain.Decision{}, err
			}
			pairs = append(pairs, ev)
		}
	}

	if contracts == 0 {
		return domain.Decision{Allowed: true, Reason: "no contracts to verify"}, nil
	}
	if len(pairs) == 0 {
		return domain.Decision{Allowed: true, Reason: "no active counterparts"}, nil
	}
	var unverified, failed bool
	for _, p := range pairs {
		switch p.State {
		case "unverified":
			unverified = true
		case "failed":
			failed = true
		}
	}
	switch {
	case unverified:
		return domain.Decision{Allowed: false, Reason: "not verified", Details: pairs}, nil
	case failed:
		return domain.Decision{Allowed: false, Reason: "verification failed", Details: pairs}, nil
	default:
		return domain.Decision{Allowed: true, Reason: "verified", Details: pairs}, nil
	}
}

func (e Engine) pairEvidence(ctx context.Context, consumer, consumerVersion, provider, providerVersion string) (domain.PairEvidence, error) {
	state, err := e.Repo.PairState(ctx, consumer, consumerVersion, provider, providerVersion)
	if err != nil {
		return domain.PairEvidence{}, err
	}
	return domain.PairEvidence{
		Consumer:        consumer,
		ConsumerVersion: consumerVersion,
		Provider:        provider,
		ProviderVersion: providerVersion,
		State:           state,
	}, nil
}
