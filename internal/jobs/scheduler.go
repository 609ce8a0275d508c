// Package jobs runs periodic database maintenance on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task removes stale rows and reports how many it removed.
type Task func(ctx context.Context) (int64, error)

type job struct {
	name string
	spec string
	task Task
	id   cron.EntryID
}

// Scheduler runs registered tasks. A task never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("jobs")
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger))),
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    context.Background(),
	}
}

// Register schedules task under name. spec is a standard 5-field cron
// expression or a descriptor such as "@every 1h"; an empty spec disables
// the task.
func (s *Scheduler) Register(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, task: task}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.run(j) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		j.id = id
	}
	s.jobs[name] = j
	return nil
}

// Start begins running scheduled tasks until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Strings("jobs", s.Names()))
}

// Stop halts scheduling and waits for running tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	cancel()
}

// RunNow runs the named task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return j.task(ctx)
}

// Names lists registered jobs.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Next returns the next scheduled run of name, or the zero time.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok || j.spec == "" {
		return time.Time{}
	}
	return s.cron.Entry(j.id).Next
}

func (s *Scheduler) run(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	n, err := j.task(ctx)
	if err != nil {
		s.logger.Error("job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	s.logger.Info("job finished",
		zap.String("job", j.name),
		zap.Int64("removed", n),
		zap.Duration("took", time.Since(start)),
	)
}
