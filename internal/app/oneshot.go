package app

import (
	"context"

	"rankbot/internal/rolesync"
	logx "rankbot/pkg/logx"
)

// SyncOnce connects to Discord, runs one reconciliation pass and
// disconnects. The periodic loop, alerts and HTTP server are not started.
func (a *App) SyncOnce(ctx context.Context) (rolesync.Summary, error) {
	defer func() {
		_ = a.discord.Close()
		_ = a.store.Close()
		a.logs.Close()
	}()
	if err := a.discord.Open(); err != nil {
		return rolesync.Summary{}, err
	}
	if err := a.discord.Ready(ctx); err != nil {
		return rolesync.Summary{}, err
	}
	sum, err := a.recon.RunOnce(ctx)
	if err != nil {
		a.log.Error("one-shot sync failed", logx.Err(err))
		return sum, err
	}
	a.log.Info("one-shot sync finished", sum.Fields()...)
	return sum, nil
}
