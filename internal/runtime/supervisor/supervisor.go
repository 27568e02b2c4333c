package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "pubsched/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	active int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// If enabled, the first non-nil error from any goroutine cancels the
// supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Active returns the number of goroutines currently running.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

func (s *Supervisor) Err() error {
	if v := s.firstErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// Go runs fn once under the supervisor. Panics are recovered and
// recorded as errors.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		err := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("goroutine exited with error",
				logx.String("name", name), logx.Err(err))
			s.setErr(err)
		}
	}()
}

type restartCfg struct {
	minBackoff time.Duration
	maxBackoff time.Duration
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// GoRestart runs fn under the supervisor and restarts it with
// exponential backoff whenever it returns a non-cancellation error or
// panics. A context.Canceled return is the clean-shutdown signal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{minBackoff: 500 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	s.wg.Add(1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		backoff := cfg.minBackoff
		for {
			err := s.run(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				err = errors.New("exited unexpectedly")
			}
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", backoff),
				logx.Err(err))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", name, p)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(s.ctx)
}

// Stop cancels the context and waits for all goroutines, bounded by
// ctx's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines exit or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: %d goroutine(s) still running: %w",
			atomic.LoadInt64(&s.active), ctx.Err())
	}
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() {
		s.firstErr.Store(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}
