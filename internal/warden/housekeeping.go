package warden

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/history"
	"github.com/wardenhq/warden/internal/logging"
)

// Housekeeper runs scheduled maintenance: it verifies the audit chain and
// purges run history past the retention window.
type Housekeeper struct {
	chain *audit.Chain
	hist  *history.Store
	cfg   *config.HousekeepingConfig
	cron  *cron.Cron
	log   *slog.Logger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

// NewHousekeeper creates a housekeeper. It does nothing until Start.
func NewHousekeeper(chain *audit.Chain, hist *history.Store, cfg *config.HousekeepingConfig) *Housekeeper {
	return &Housekeeper{
		chain: chain,
		hist:  hist,
		cfg:   cfg,
		cron:  cron.New(),
		log:   logging.WithComponent("housekeeping"),
	}
}

// Start begins the schedule. A nil config disables housekeeping.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running || h.cfg == nil {
		return nil
	}

	entryID, err := h.cron.AddFunc(h.cfg.Schedule, func() {
		h.runOnce(ctx)
	})
	if err != nil {
		return err
	}

	h.entryID = entryID
	h.cron.Start()
	h.running = true

	h.log.Info("housekeeping started",
		slog.String("schedule", h.cfg.Schedule),
		slog.Int("retention_days", h.cfg.RetentionDays),
		slog.Time("next_run", h.cron.Entry(h.entryID).Next))
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	<-h.cron.Stop().Done()
	h.running = false
	h.log.Info("housekeeping stopped")
}

// runOnce performs one maintenance pass.
func (h *Housekeeper) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	res, err := audit.VerifyLog(h.chain.LogPath())
	switch {
	case err != nil:
		h.log.Error("audit verification failed", slog.Any("error", err))
	case !res.OK:
		h.log.Error("audit chain verification mismatch",
			slog.Int("record", res.FirstMismatch),
			slog.String("reason", res.Reason))
	default:
		h.log.Info("audit chain verified", slog.Int("records", res.Records))
	}

	cutoff := time.Now().AddDate(0, 0, -h.cfg.RetentionDays)
	purged, err := h.hist.PurgeOlderThan(cutoff)
	if err != nil {
		h.log.Error("history purge failed", slog.Any("error", err))
		return
	}
	if purged > 0 {
		h.log.Info("history purged",
			slog.Int("runs", purged),
			slog.Time("cutoff", cutoff))
	}
}
