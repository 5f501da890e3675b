package store

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs CleanupStale on an interval via robfig/cron/v3, plus an
// immediate startup sweep: crash recovery is just opening the file and
// calling CleanupStale once before scheduling the recurring job.
type Sweeper struct {
	store  *Store
	logger *slog.Logger
	cron   *cron.Cron
}

// NewSweeper builds a Sweeper that runs CleanupStale every minute.
func NewSweeper(store *Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start performs the startup sweep, then schedules the recurring job.
// Returns an error only if the cron schedule fails to register.
func (sw *Sweeper) Start() error {
	sw.sweep()

	_, err := sw.cron.AddFunc("@every 1m", sw.sweep)
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the recurring sweep, waiting for any in-flight run to
// finish.
func (sw *Sweeper) Stop() {
	ctx := sw.cron.Stop()
	<-ctx.Done()
}

func (sw *Sweeper) sweep() {
	deleted, err := sw.store.CleanupStale(time.Now())
	if err != nil {
		sw.logger.Error("store: stale-row sweep failed", "error", err)
		return
	}
	if len(deleted) > 0 {
		sw.logger.Info("store: swept stale pending rows", "count", len(deleted), "request_ids", deleted)
	}
}
