// Package poller runs fixed-interval refresh jobs for one network. A tick
// is skipped, not queued, while the previous run of the same job is still
// in flight, and Stop returns only once no run can start or is running.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"roomfi/internal/metrics"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("poller stopped")

// Job is one refresh loop.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Options struct {
	// Label identifies the poller in logs, usually the network id.
	Label   string
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Registry
}

type entry struct {
	job      Job
	inflight atomic.Bool
	runs     atomic.Int64
}

type Poller struct {
	sched   gocron.Scheduler
	ctx     context.Context
	cancel  context.CancelFunc
	label   string
	log     *zap.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	// runMu is read-held by every run and write-acquired by Stop so Stop
	// waits out in-flight runs.
	runMu   sync.RWMutex
	stopped atomic.Bool
	started atomic.Bool
}

func New(opts Options) (*Poller, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler(
		gocron.WithClock(opts.Clock),
		gocron.WithStopTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		sched:   sched,
		ctx:     ctx,
		cancel:  cancel,
		label:   opts.Label,
		log:     opts.Logger.With(zap.String("component", "poller"), zap.String("network", opts.Label)),
		metrics: opts.Metrics,
		entries: make(map[uuid.UUID]*entry),
	}, nil
}

// Start begins scheduling. Jobs added before or after Start both run.
func (p *Poller) Start() {
	if p.stopped.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	p.sched.Start()
	p.log.Info("poll started")
}

// Add schedules job every job.Interval. The first run happens one interval
// after Add.
func (p *Poller) Add(job Job) (uuid.UUID, error) {
	if p.stopped.Load() {
		return uuid.Nil, ErrStopped
	}
	if job.Interval <= 0 {
		return uuid.Nil, fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	e := &entry{job: job}
	j, err := p.sched.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(func() { p.tick(e) }),
		gocron.WithName(job.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("schedule %s: %w", job.Name, err)
	}

	p.mu.Lock()
	p.entries[j.ID()] = e
	p.mu.Unlock()

	p.log.Debug("poll job added", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	return j.ID(), nil
}

// Remove unschedules a job. A run already in flight finishes.
func (p *Poller) Remove(id uuid.UUID) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.sched.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return fmt.Errorf("remove %s: %w", e.job.Name, err)
	}
	p.log.Debug("poll job removed", zap.String("job", e.job.Name))
	return nil
}

// Runs reports how many times the job has run.
func (p *Poller) Runs(id uuid.UUID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.runs.Load()
	}
	return 0
}

func (p *Poller) tick(e *entry) {
	p.runMu.RLock()
	defer p.runMu.RUnlock()

	if p.stopped.Load() {
		return
	}
	if !e.inflight.CompareAndSwap(false, true) {
		p.metrics.IncPollTick(e.job.Name, "skipped")
		p.log.Debug("previous poll still in flight, skipping tick", zap.String("job", e.job.Name))
		return
	}
	defer e.inflight.Store(false)

	e.runs.Add(1)
	if err := e.job.Run(p.ctx); err != nil {
		p.metrics.IncPollTick(e.job.Name, "error")
		if p.ctx.Err() == nil {
			p.log.Warn("poll failed", zap.String("job", e.job.Name), zap.Error(err))
		}
		return
	}
	p.metrics.IncPollTick(e.job.Name, "ok")
}

// Stop cancels in-flight runs, shuts the scheduler down and waits until no
// run is executing. It is safe to call more than once.
func (p *Poller) Stop() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := p.sched.Shutdown()

	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.log.Info("poll stopped")
	if err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
