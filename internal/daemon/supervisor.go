package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Task is a long-running daemon component. It must return promptly after
// its context is cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs the daemon's long-lived tasks and coordinates shutdown.
// The first SIGINT/SIGTERM cancels every task and waits for cleanup; a
// second signal aborts the process immediately.
type Supervisor struct {
	logger  *slog.Logger
	tasks   []Task
	cleanup []func()
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger.With(slog.String("component", "supervisor"))}
}

// Add registers a task to run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// OnShutdown registers a cleanup hook, invoked after every task has exited.
// Hooks run in reverse registration order.
func (s *Supervisor) OnShutdown(fn func()) {
	s.cleanup = append(s.cleanup, fn)
}

// Run blocks until a shutdown signal arrives or a task fails. Both exit
// with code 1; 0 is reserved for normal completion, which for a daemon
// means the parent context ended on its own.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, len(s.tasks))
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			if err := t.Run(ctx); err != nil {
				s.logger.Error("task failed",
					slog.String("task", t.Name),
					slog.String("error", err.Error()),
				)
				errCh <- err
			}
		}(t)
	}

	code := 0
	select {
	case sig := <-sigCh:
		s.logger.Info("shutting down", slog.String("signal", sig.String()))
		code = 1
	case <-errCh:
		code = 1
	case <-ctx.Done():
	}
	cancel()

	// A second signal skips the cleanup barrier.
	go func() {
		<-sigCh
		s.logger.Error("forced shutdown")
		os.Exit(255)
	}()

	wg.Wait()
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.logger.Info("stopped")
	return code
}
