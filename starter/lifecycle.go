package starter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hook is work run once the host reports it is ready.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Lifecycle runs ready hooks exactly once, in registration order. A hook
// that fails or panics is logged and does not stop the others.
type Lifecycle struct {
	mu     sync.Mutex
	once   sync.Once
	hooks  []namedHook
	logger *slog.Logger
	err    error
}

func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

func (l *Lifecycle) OnReady(name string, fn Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, namedHook{name: name, fn: fn})
}

// Ready runs the hooks on the first call and returns their joined errors.
// Later calls return the same result without running anything.
func (l *Lifecycle) Ready(ctx context.Context) error {
	l.once.Do(func() {
		l.mu.Lock()
		hooks := append([]namedHook(nil), l.hooks...)
		l.mu.Unlock()

		var errs []error
		for _, h := range hooks {
			if err := l.run(ctx, h); err != nil {
				l.logger.Error("ready hook failed", "hook", h.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		l.err = errors.Join(errs...)
	})
	return l.err
}

func (l *Lifecycle) run(ctx context.Context, h namedHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	l.logger.Debug("running ready hook", "hook", h.name)
	return h.fn(ctx)
}

// Install registers the generation run as a ready hook. The run reports
// failures through its Status, so the hook itself never fails.
func (p *Pipeline) Install(l *Lifecycle) {
	l.OnReady("schema-generation", func(ctx context.Context) error {
		p.Run(ctx)
		return nil
	})
}

// InstallMigrate registers the configured engine's migrate as a ready hook.
func (p *Pipeline) InstallMigrate(l *Lifecycle) {
	l.OnReady("migrate", func(ctx context.Context) error {
		eng, err := p.Engine()
		if err != nil {
			return err
		}
		_, err = eng.Migrate(ctx)
		return err
	})
}
