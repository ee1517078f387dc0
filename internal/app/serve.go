package app

import (
	"context"
	"os/signal"
	"syscall"

	"pricewatch/internal/api"
)

// Serve runs the read-only HTTP API until interrupted. addr overrides api.addr.
func (a *App) Serve(ctx context.Context, addr string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if addr == "" {
		addr = a.Config.API.Addr
	}
	return api.New(store, a.Logger).ListenAndServe(ctx, addr)
}
