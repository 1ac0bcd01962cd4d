package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"game-coordination-system/models"
	"game-coordination-system/utils"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepScanCount = 200

// TicketSweeper drops stored tickets nobody will read again: ended tickets
// past the retention window and completed ones past the rejoin window.
// Removed tickets are archived first when an archive is configured.
type TicketSweeper struct {
	cache   *utils.Cache
	locker  *utils.Locker
	archive *utils.Archive
	cfg     utils.Config
	logger  *zap.Logger
	now     func() time.Time

	scheduler gocron.Scheduler
}

// archive may be nil.
func NewTicketSweeper(cache *utils.Cache, locker *utils.Locker, archive *utils.Archive, cfg utils.Config, logger *zap.Logger) *TicketSweeper {
	return &TicketSweeper{
		cache:   cache,
		locker:  locker,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (w *TicketSweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create sweeper scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(w.cfg.SweepInterval),
		gocron.NewTask(func() {
			removed, err := w.Sweep(ctx)
			if err != nil {
				w.logger.Error("❌ [SWEEPER] sweep failed", zap.Error(err))
				return
			}
			if removed > 0 {
				w.logger.Info("🧹 [SWEEPER] tickets removed", zap.Int("count", removed))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule ticket sweep: %w", err)
	}

	sched.Start()
	w.scheduler = sched
	w.logger.Info("🔁 [SWEEPER] started", zap.Duration("interval", w.cfg.SweepInterval))
	return nil
}

func (w *TicketSweeper) Stop() error {
	if w.scheduler == nil {
		return nil
	}
	return w.scheduler.Shutdown()
}

// due reports whether ticket should be dropped.
func (w *TicketSweeper) due(ticket *models.Ticket) bool {
	age := w.now().Sub(ticket.UpdatedAt)
	switch {
	case ticket.Status.Expired():
		return age > w.cfg.TicketRetention
	case ticket.Status == models.TicketCompleted:
		return age > w.cfg.MaxRejoinTime
	}
	return false
}

// Sweep scans every ticket key once and returns how many were removed.
func (w *TicketSweeper) Sweep(ctx context.Context) (int, error) {
	pattern := w.cache.Key("*:flexmatch:")
	removed := 0
	var cursor uint64
	for {
		keys, next, err := w.cache.Client.Scan(ctx, cursor, pattern, sweepScanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan tickets: %w", err)
		}
		for _, key := range keys {
			ok, err := w.sweepKey(ctx, key)
			if err != nil {
				w.logger.Warn("⚠️ [SWEEPER] skipping ticket", zap.String("key", w.cache.Unscoped(key)), zap.Error(err))
				continue
			}
			if ok {
				removed++
			}
		}
		if cursor = next; cursor == 0 {
			return removed, nil
		}
	}
}

func (w *TicketSweeper) sweepKey(ctx context.Context, key string) (bool, error) {
	// cheap unguarded look first, most tickets are live
	raw, err := w.cache.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var peek models.Ticket
	if err := json.Unmarshal(raw, &peek); err != nil {
		return false, err
	}
	if !w.due(&peek) {
		return false, nil
	}

	removed := false
	err = w.locker.WithLock(ctx, key, func(lock *utils.JSONLock) error {
		var ticket models.Ticket
		found, err := lock.Load(&ticket)
		if err != nil || !found || !w.due(&ticket) {
			return err
		}
		if w.archive != nil {
			name := fmt.Sprintf("tickets/%s/%s.json", ticket.UpdatedAt.UTC().Format("2006-01-02"), ticket.TicketID)
			if err := w.archive.PutJSON(ctx, name, &ticket); err != nil {
				return fmt.Errorf("failed to archive ticket %s: %w", ticket.TicketID, err)
			}
		}
		lock.Delete()
		removed = true
		return nil
	})
	if removed {
		w.logger.Debug("ticket swept", zap.String("key", w.cache.Unscoped(key)), zap.String("status", string(peek.Status)))
	}
	return removed, err
}
