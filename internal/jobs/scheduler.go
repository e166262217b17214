// Package jobs runs periodic maintenance on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic task.
type Job interface {
	Name() string
	Schedule() string // five-field cron expression
	Run(ctx context.Context) error
}

// Scheduler runs registered jobs. A job whose previous tick is still
// running skips the new tick.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	locks  map[string]*sync.Mutex
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.locks[j.Name()]; dup {
		return fmt.Errorf("jobs: duplicate job name %q", j.Name())
	}
	s.locks[j.Name()] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start validates every schedule and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser))

	for _, job := range s.jobs {
		lock := s.locks[job.Name()]
		if _, err := s.cron.AddFunc(job.Schedule(), func() { s.tick(ctx, job, lock) }); err != nil {
			cancel()
			return fmt.Errorf("jobs: invalid schedule for %q: %w", job.Name(), err)
		}
	}

	s.cron.Start()
	s.logger.Info("job scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) tick(ctx context.Context, job Job, lock *sync.Mutex) {
	if !lock.TryLock() {
		s.logger.Warn("job still running, skipping tick", zap.String("job", job.Name()))
		return
	}
	defer lock.Unlock()

	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", zap.String("job", job.Name()), zap.Error(err))
		return
	}
	s.logger.Debug("job completed", zap.String("job", job.Name()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("job scheduler stopped")
	}
}
