package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fota/internal/pkg/metrics"
	"github.com/autopeer-io/fota/pkg/log"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
	ErrBadInterval   = errors.New("task interval must be positive")
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration

	// Essential tasks keep running while the pause token is raised.
	Essential bool

	Run func(ctx context.Context) error
}

type entry struct {
	Task
	interval chan time.Duration
	trigger  chan struct{}
}

// Scheduler runs each registered task on its own ticker. A task never
// overlaps with itself.
type Scheduler struct {
	token *PauseToken
	clock clock.WithTicker

	mu      sync.Mutex
	tasks   map[string]*entry
	started bool

	logger log.Logger
}

func New(token *PauseToken, clk clock.WithTicker) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		token:  token,
		clock:  clk,
		tasks:  make(map[string]*entry),
		logger: log.WithName("scheduler"),
	}
}

// Token is the pause token handed to the tasks' run loop.
func (s *Scheduler) Token() *PauseToken {
	return s.token
}

// Register adds a task. It must be called before Run.
func (s *Scheduler) Register(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrBadInterval, t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot register %s: scheduler already running", t.Name)
	}
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	s.tasks[t.Name] = &entry{
		Task:     t,
		interval: make(chan time.Duration, 1),
		trigger:  make(chan struct{}, 1),
	}
	return nil
}

// SetInterval changes a task's period; the next tick is one new interval
// from now.
func (s *Scheduler) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrBadInterval, name)
	}
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	// drop a pending change that was never picked up
	select {
	case <-e.interval:
	default:
	}
	e.interval <- d
	return nil
}

// Trigger runs a task as soon as it is idle, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) lookup(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return e, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	s.logger.Info("Scheduler started", "tasks", len(entries))
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	interval := e.Interval
	ticker := s.clock.NewTicker(interval)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.interval:
			ticker.Stop()
			ticker = s.clock.NewTicker(d)
			s.logger.Info("Task interval changed", "task", e.Name, "from", interval, "to", d)
			interval = d
		case <-e.trigger:
			s.runOnce(ctx, e)
		case <-ticker.C():
			s.runOnce(ctx, e)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	if !e.Essential && s.token.Paused() {
		s.logger.Debug("Task skipped while paused", "task", e.Name, "reason", s.token.Reason())
		metrics.TaskRunsTotal.WithLabelValues(e.Name, "skipped").Inc()
		return
	}
	if err := e.Run(ctx); err != nil {
		s.logger.Error(err, "Task failed", "task", e.Name)
		metrics.TaskRunsTotal.WithLabelValues(e.Name, "failed").Inc()
		return
	}
	metrics.TaskRunsTotal.WithLabelValues(e.Name, "ok").Inc()
}
