// Package worker bounds how many chat streams run concurrently.
package worker

import (
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the job queue is full; callers should
// surface it as a retryable condition.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

// Job is one unit of streaming work executed on a pooled worker.
type Job func()

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

const defaultWorkerIdle = 30 * time.Second

// Dispatcher runs jobs on a pool that grows up to MaxWorkers under load
// and shrinks back to MinWorkers when extra workers sit idle.
type Dispatcher struct {
	jobs chan Job
	quit chan struct{}

	mu      sync.Mutex
	running int
	min     int
	max     int
	idle    time.Duration
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultWorkerIdle
	}
	d := &Dispatcher{
		jobs: make(chan Job, cfg.QueueSize),
		quit: make(chan struct{}),
		min:  cfg.MinWorkers,
		max:  cfg.MaxWorkers,
		idle: cfg.IdleTimeout,
	}
	for i := 0; i < d.min; i++ {
		d.spawn(true)
	}
	return d
}

// Submit enqueues the job, spawning an extra worker when there is backlog
// and room to grow. Returns ErrDispatcherBusy when the queue is full.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case d.jobs <- job:
	default:
		return ErrDispatcherBusy
	}
	if len(d.jobs) > 0 {
		d.spawn(false)
	}
	return nil
}

// Stop shuts the pool down. Queued jobs are dropped; running jobs finish.
func (d *Dispatcher) Stop() {
	close(d.quit)
}

// Running reports the current worker count.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) spawn(core bool) {
	d.mu.Lock()
	if d.running >= d.max {
		d.mu.Unlock()
		return
	}
	d.running++
	d.mu.Unlock()
	go d.runWorker(core)
}

// runWorker drains jobs; non-core workers retire after sitting idle for
// the configured timeout.
func (d *Dispatcher) runWorker(core bool) {
	timer := time.NewTimer(d.idle)
	defer timer.Stop()
	for {
		select {
		case job := <-d.jobs:
			job()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idle)
		case <-timer.C:
			if !core {
				d.mu.Lock()
				d.running--
				d.mu.Unlock()
				return
			}
			timer.Reset(d.idle)
		case <-d.quit:
			d.mu.Lock()
			d.running--
			d.mu.Unlock()
			return
		}
	}
}
