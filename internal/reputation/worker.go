package reputation

import (
	"context"
	"log/slog"
	"time"
)

// Worker periodically snapshots the reputation of every reviewed agent.
type Worker struct {
	service  *Service
	store    SnapshotStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a reputation snapshot worker.
// interval is typically 1 hour in production.
func NewWorker(service *Service, store SnapshotStore, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the snapshot loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.snapshot(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.snapshot(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) snapshot(ctx context.Context) {
	ids, err := w.service.store.AgentIDs(ctx)
	if err != nil {
		w.logger.Warn("reputation snapshot failed to list agents", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	now := w.service.now().UTC()
	snaps := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := w.service.GetReputationSummary(ctx, id)
		if err != nil {
			w.logger.Warn("reputation snapshot failed to summarize", "agent_id", id, "error", err)
			continue
		}
		snaps = append(snaps, SnapshotFromSummary(s, now))
	}

	if err := w.store.SaveBatch(ctx, snaps); err != nil {
		w.logger.Warn("reputation snapshot failed to save", "error", err, "count", len(snaps))
		return
	}
	w.logger.Debug("reputation snapshot saved", "count", len(snaps))
}
