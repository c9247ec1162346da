package main

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"shardfleet/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator stops components in the order they were added. Every
// phase runs even when an earlier one fails.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	phases []shutdownPhase
	err    error
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	return &shutdownCoordinator{logger: logger}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if stop == nil {
		return
	}
	coordinator.phases = append(coordinator.phases, shutdownPhase{name: name, stop: stop})
}

// Run executes the phases once. Later calls return the first result.
func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	coordinator.once.Do(func() {
		for _, phase := range coordinator.phases {
			started := time.Now()
			err := phase.stop(ctx)
			fields := map[string]string{
				"phase":       phase.name,
				"duration_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
			}
			if err != nil {
				coordinator.err = errors.Join(coordinator.err, err)
				fields["error"] = err.Error()
				coordinator.logger.Warn("shutdown phase failed", fields)
				continue
			}
			coordinator.logger.Info("shutdown phase complete", fields)
		}
	})
	return coordinator.err
}
