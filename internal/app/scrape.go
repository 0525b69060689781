package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
)

// Scrape runs a one-shot fetch of a single tracked item.
func (a *App) Scrape(ctx context.Context, opts ScrapeOptions) error {
	if opts.ItemID <= 0 {
		return errors.New("--item must be a positive item id")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, _ := a.buildService(store)

	if err := svc.ScrapeSync(ctx, opts.ItemID); err != nil {
		return err
	}

	a.Logger.Info().Int64("item_id", opts.ItemID).Msg("scrape complete")
	return nil
}
