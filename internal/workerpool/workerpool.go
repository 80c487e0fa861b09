// Package workerpool runs a fixed-size pool of tomb-supervised goroutines
// draining a bounded task queue, for use by any long-lived server loop
// that needs bounded fan-out (spec §6's TCP front-end, in particular).
package workerpool

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// DefaultTaskQueueSize bounds how many pending tasks may queue up before
// Add blocks the caller.
const DefaultTaskQueueSize = 100

// Func processes one task. Returning a non-nil error is fatal to the
// worker that ran it; the pool's supervising tomb then begins dying.
type Func func(t *tomb.Tomb, task any) error

// Pool is a fixed-size worker pool fed by a single task channel.
type Pool struct {
	n     int
	tasks chan any
}

// New creates a Pool with size workers and the default task queue depth.
func New(size int) Pool {
	return WithQueueSize(size, DefaultTaskQueueSize)
}

// WithQueueSize creates a Pool with an explicit task queue depth.
func WithQueueSize(size, queueSize int) Pool {
	return Pool{
		n:     size,
		tasks: make(chan any, queueSize),
	}
}

// Add enqueues a task, blocking if the queue is full.
func (p *Pool) Add(task any) {
	p.tasks <- task
}

// Setup maintains a full pool of workers under t, restarting any that
// exit until t begins dying.
func (p *Pool) Setup(t *tomb.Tomb, work Func) {
	log.Info().Int("workers", p.n).Msg("starting worker pool")
	active := 0
	for {
		select {
		case <-t.Dying():
			return
		default:
			if active < p.n {
				t.Go(func() error {
					err := p.worker(t, work)
					active--
					return err
				})
				active++
			}
		}
	}
}

func (p *Pool) worker(t *tomb.Tomb, work Func) error {
	select {
	case <-t.Dying():
		return nil
	case task := <-p.tasks:
		if err := work(t, task); err != nil {
			log.Error().Err(err).Msg("worker exiting")
			return err
		}
	}
	return nil
}
