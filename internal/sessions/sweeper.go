package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultIdleTTL is how long a session may sit idle before the sweep drops it.
const DefaultIdleTTL = 24 * time.Hour

// Sweeper periodically removes idle sessions on a cron schedule.
type Sweeper struct {
	mgr     *Manager
	cron    string
	idleTTL time.Duration
}

// NewSweeper validates the cron expression up front so a bad schedule fails
// at startup, not at 3am.
func NewSweeper(mgr *Manager, cronExpr string, idleTTL time.Duration) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	if !gronx.New().IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %q", cronExpr)
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Sweeper{mgr: mgr, cron: cronExpr, idleTTL: idleTTL}, nil
}

// Run blocks until ctx is done, sweeping at each cron tick.
func (sw *Sweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTick(sw.cron, false)
		if err != nil {
			slog.Error("sweep schedule broken, stopping sweeper", "cron", sw.cron, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		removed := sw.mgr.SweepIdle(sw.idleTTL)
		if len(removed) > 0 {
			slog.Info("swept idle sessions", "count", len(removed), "idleTTL", sw.idleTTL)
		}
	}
}
