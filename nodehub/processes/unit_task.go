package processes

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/craftec/nodehub/nodehub/logcapture"
)

// TaskFunc is the body of an in-process node. It must return once ctx is
// cancelled. Records it logs through cfg.Logger with ctx (or any context
// derived from it) are captured for the instance.
type TaskFunc func(ctx context.Context, cfg UnitConfig) error

// TaskSpawner runs each instance as a goroutine in this process.
type TaskSpawner struct {
	Run TaskFunc
}

func (s *TaskSpawner) Mode() Mode { return ModeTask }

func (s *TaskSpawner) Spawn(ctx context.Context, cfg UnitConfig) (Unit, error) {
	if s.Run == nil {
		return nil, errors.New("task spawner has no task function")
	}
	ctx, cancel := context.WithCancel(logcapture.WithInstance(ctx, cfg.InstanceID))
	u := &taskUnit{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(u.done)
		defer u.finished.Store(true)
		defer func() {
			if r := recover(); r != nil {
				cfg.Logs.Append(cfg.InstanceID, fmt.Sprintf("Daemon panicked: %v", r), true)
				if cfg.Logger != nil {
					cfg.Logger.Error("Task panicked", "instanceID", cfg.InstanceID, "panic", r, "stack", string(debug.Stack()))
				}
			}
		}()

		err := s.Run(ctx, cfg)
		if err != nil && ctx.Err() == nil {
			cfg.Logs.Append(cfg.InstanceID, fmt.Sprintf("Daemon exited: %v", err), true)
			if cfg.Logger != nil {
				cfg.Logger.Error("Task exited with error", "instanceID", cfg.InstanceID, "error", err)
			}
		}
	}()
	return u, nil
}

type taskUnit struct {
	cancel   context.CancelFunc
	done     chan struct{}
	finished atomic.Bool
}

func (u *taskUnit) Finished() bool        { return u.finished.Load() }
func (u *taskUnit) Cancel()               { u.cancel() }
func (u *taskUnit) Done() <-chan struct{} { return u.done }
