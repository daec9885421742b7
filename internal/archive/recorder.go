package archive

import (
	"context"

	"github.com/duneforge/workforce/internal/mission"
	"go.uber.org/zap"
)

// Recorder streams a mission's activity into the archive as it runs and
// writes the final mission and task rows once the mission settles.
// Persistence failures are logged and skipped; they never stall the
// mission.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a recorder backed by the archive store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes to the mission store and records until the mission
// reaches a terminal status or ctx is cancelled.
func (r *Recorder) Attach(ctx context.Context, st *mission.Store) {
	events, cancel := st.Watch(mission.Filter{}, 256)

	go func() {
		defer cancel()

		if err := r.store.SaveMission(ctx, st.Snapshot()); err != nil {
			r.logger.Warn("archive mission row failed",
				zap.String("mission", st.ID()), zap.Error(err))
		}

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					r.finalize(ctx, st)
					return
				}
				if ev.Entry != nil {
					if err := r.store.AppendLog(ctx, st.ID(), *ev.Entry); err != nil {
						r.logger.Warn("archive log entry failed",
							zap.String("mission", st.ID()),
							zap.Uint64("seq", ev.Entry.Seq),
							zap.Error(err))
					}
				}
				if ev.Mission == mission.StatusCompleted || ev.Mission == mission.StatusFailed {
					r.finalize(ctx, st)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Recorder) finalize(ctx context.Context, st *mission.Store) {
	snap := st.Snapshot()
	if err := r.store.SaveMission(ctx, snap); err != nil {
		r.logger.Warn("archive mission failed", zap.String("mission", snap.ID), zap.Error(err))
		return
	}
	if err := r.store.SaveTasks(ctx, snap.ID, snap.Tasks); err != nil {
		r.logger.Warn("archive tasks failed", zap.String("mission", snap.ID), zap.Error(err))
	}
}
