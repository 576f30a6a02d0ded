package app

import (
	"context"
	"errors"
	"fmt"

	"contractline/internal/config"
	"contractline/internal/repo"
)

// ResolveConfig loads the broker config from the DB, seeding it on first use.
// A workspace config file, when present, takes precedence and is written back
// so the stored row always reflects what the broker last ran with.
func ResolveConfig(ctx context.Context, workspace, brokerID string, r repo.Repo) (*config.Config, error) {
	if fileCfg, err := config.LoadOptional(workspace); err != nil {
		return nil, err
	} else if fileCfg != nil {
		if err := r.UpsertConfig(ctx, fileCfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return fileCfg, nil
	}

	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if brokerID == "" {
		brokerID = "local-broker"
	}
	seed := config.Default(brokerID)
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
