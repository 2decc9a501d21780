package app

import (
	"context"
	"errors"

	"agora/internal/config"
	"agora/internal/repo"
)

// ResolveMarketAndConfig picks the active market and ensures its config row
// exists, seeding defaults when missing. An explicit override wins; otherwise
// the single configured market is used, falling back to "local" on an empty
// database.
func ResolveMarketAndConfig(ctx context.Context, marketOverride string, r repo.Repo) (string, *config.Config, error) {
	marketID := marketOverride
	if marketID == "" {
		id, cfg, err := r.SingleMarketConfig(ctx)
		switch {
		case err == nil:
			return id, cfg, nil
		case errors.Is(err, repo.ErrNotFound):
			marketID = "local"
		default:
			return "", nil, err
		}
	}
	cfg, err := r.GetMarketConfig(ctx, marketID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(marketID)
		if err := r.UpsertMarketConfig(ctx, marketID, cfg); err != nil {
			return "", nil, err
		}
	}
	cfg.Market.ID = marketID
	return marketID, cfg, nil
}
