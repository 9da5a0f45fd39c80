package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frestq/frestq/pkg/events"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/rs/zerolog"
)

// InternalQueue is the queue the engine protocol handlers run on.
const InternalQueue = "internal.frestq"

const (
	// defaultMaxWorkers caps concurrency for queues without an explicit
	// max_threads setting.
	defaultMaxWorkers = 10

	// defaultMisfireGrace is how long a submitted job stays eligible when
	// all workers are saturated.
	defaultMisfireGrace = 24 * time.Hour

	jobBuffer = 1024
)

// Job is a unit of work submitted to a pool. Store writes performed by the
// function are durable when they return; a returned error (or panic) only
// marks the unit as failed in the activity log.
type Job func(ctx context.Context) error

type queuedJob struct {
	name     string
	fn       Job
	deadline time.Time
}

// Pool is the worker pool of one named queue.
type Pool struct {
	queue      string
	maxWorkers int
	jobs       chan *queuedJob
	broker     *events.Broker

	startOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
}

func newPool(queue string, maxWorkers int, broker *events.Broker) *Pool {
	return &Pool{
		queue:      queue,
		maxWorkers: maxWorkers,
		jobs:       make(chan *queuedJob, jobBuffer),
		broker:     broker,
		stopCh:     make(chan struct{}),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// Queue returns the pool's queue name.
func (p *Pool) Queue() string {
	return p.queue
}

// SubmitNow schedules a job for immediate execution. The job stays eligible
// for the misfire grace period when the pool is saturated.
func (p *Pool) SubmitNow(name string, fn Job) {
	p.submit(&queuedJob{
		name:     name,
		fn:       fn,
		deadline: time.Now().Add(defaultMisfireGrace),
	})
}

// SubmitAt schedules a job to run at a wall-clock instant. Used for
// reservation timeouts.
func (p *Pool) SubmitAt(name string, when time.Time, fn Job) {
	delay := time.Until(when)
	if delay <= 0 {
		p.SubmitNow(name, fn)
		return
	}

	p.timerMu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.timerMu.Lock()
		delete(p.timers, timer)
		p.timerMu.Unlock()
		p.SubmitNow(name, fn)
	})
	p.timers[timer] = struct{}{}
	p.timerMu.Unlock()
}

func (p *Pool) submit(job *queuedJob) {
	metrics.PoolJobsSubmitted.WithLabelValues(p.queue).Inc()
	select {
	case p.jobs <- job:
	case <-p.stopCh:
	}
}

func (p *Pool) start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.maxWorkers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

func (p *Pool) stop() {
	close(p.stopCh)
	p.timerMu.Lock()
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	p.timerMu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	logger := log.WithQueue(p.queue)

	for {
		select {
		case job := <-p.jobs:
			if time.Now().After(job.deadline) {
				p.broker.Publish(&events.Event{
					Type:    events.EventJobMissed,
					Queue:   p.queue,
					JobName: job.name,
				})
				logger.Warn().Str("job", job.name).Msg("job missed its misfire grace period")
				continue
			}
			p.runJob(job, logger)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) runJob(job *queuedJob, logger *zerolog.Logger) {
	p.broker.Publish(&events.Event{
		Type:    events.EventJobLaunching,
		Queue:   p.queue,
		JobName: job.name,
	})

	err := runRecovered(job.fn)
	if err != nil {
		metrics.PoolJobsFailed.WithLabelValues(p.queue).Inc()
		p.broker.Publish(&events.Event{
			Type:    events.EventJobError,
			Queue:   p.queue,
			JobName: job.name,
			Error:   err.Error(),
		})
		logger.Error().Err(err).Str("job", job.name).Msg("job failed")
		return
	}

	p.broker.Publish(&events.Event{
		Type:    events.EventJobExecuted,
		Queue:   p.queue,
		JobName: job.name,
	})
}

func runRecovered(fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(context.Background())
}

// Pools manages one worker pool per queue plus the internal pool. Pools are
// reserved during registration and only begin dispatching after StartAll.
type Pools struct {
	mu         sync.Mutex
	pools      map[string]*Pool
	maxWorkers func(queue string) int
	broker     *events.Broker
	started    bool
}

// NewPools creates the pool table. maxWorkers returns the concurrency cap
// for a queue; when nil every queue uses the default.
func NewPools(broker *events.Broker, maxWorkers func(queue string) int) *Pools {
	if maxWorkers == nil {
		maxWorkers = func(string) int { return defaultMaxWorkers }
	}
	return &Pools{
		pools:      make(map[string]*Pool),
		maxWorkers: maxWorkers,
		broker:     broker,
	}
}

// Reserve returns the pool for a queue, creating it if needed. Pools
// reserved after StartAll begin dispatching immediately.
func (ps *Pools) Reserve(queue string) *Pool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if pool, ok := ps.pools[queue]; ok {
		return pool
	}

	max := ps.maxWorkers(queue)
	if max <= 0 {
		max = defaultMaxWorkers
	}
	pool := newPool(queue, max, ps.broker)
	ps.pools[queue] = pool

	ps.broker.Publish(&events.Event{Type: events.EventCreateQueue, Queue: queue})
	ps.broker.Publish(&events.Event{Type: events.EventSetQueueMax, Queue: queue, Max: max})
	log.WithComponent("scheduler").Info().
		Str("queue", queue).Int("max_workers", max).Msg("reserved queue pool")

	if ps.started {
		pool.start()
	}
	return pool
}

// StartAll begins dispatching on every reserved pool, always including the
// internal pool. Configuration must be complete by this point.
func (ps *Pools) StartAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.started {
		return
	}
	ps.started = true

	if _, ok := ps.pools[InternalQueue]; !ok {
		ps.mu.Unlock()
		ps.Reserve(InternalQueue)
		ps.mu.Lock()
	}

	ps.broker.Publish(&events.Event{Type: events.EventStart})
	for _, pool := range ps.pools {
		pool.start()
	}
}

// Stop stops every pool and waits for in-flight jobs.
func (ps *Pools) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, pool := range ps.pools {
		pool.stop()
	}
	ps.started = false
}
