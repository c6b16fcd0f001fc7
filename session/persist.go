package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// persistJob is one background persistence call. Jobs are fire-and-forget:
// a failed job is logged and dropped, never retried, and the optimistic
// in-memory state it backs is never rolled back.
type persistJob struct {
	userID string
	op     string
	fn     func(ctx context.Context) error
}

// PersistPool runs persistence requests on a bounded set of workers so
// mutation entry points can return as soon as the in-memory update is done.
type PersistPool struct {
	jobs    chan persistJob
	timeout time.Duration
	handoff time.Duration
	logger  *log.Logger

	mu       sync.Mutex
	closed   bool
	workerWG sync.WaitGroup
	inlineWG sync.WaitGroup
}

// NewPersistPool starts workers draining a buffered job channel.
func NewPersistPool(workers, buffer int, timeout, handoff time.Duration, logger *log.Logger) *PersistPool {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = workers * 8
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		panic("session.NewPersistPool: logger is required")
	}
	p := &PersistPool{
		jobs:    make(chan persistJob, buffer),
		timeout: timeout,
		handoff: handoff,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		p.workerWG.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *PersistPool) worker(id int) {
	defer p.workerWG.Done()
	for j := range p.jobs {
		p.run(j, id)
	}
}

func (p *PersistPool) run(j persistJob, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	err := j.fn(ctx)
	cancel()
	if err != nil {
		p.logger.WithFields(log.Fields{
			"op":     j.op,
			"user":   j.userID,
			"worker": workerID,
		}).WithError(err).Error("background persist failed; local state left ahead of remote")
	}
}

// Submit hands the job to a worker. When the buffer stays saturated past the
// handoff window the job runs on its own goroutine instead, so the caller
// never blocks on persistence.
func (p *PersistPool) Submit(j persistJob) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.WithFields(log.Fields{"op": j.op, "user": j.userID}).Warn("persist pool closed; dropping job")
		return
	}

	select {
	case p.jobs <- j:
		p.mu.Unlock()
		return
	default:
	}

	if p.handoff > 0 {
		timer := time.NewTimer(p.handoff)
		select {
		case p.jobs <- j:
			timer.Stop()
			p.mu.Unlock()
			return
		case <-timer.C:
		}
	}

	p.logger.WithField("op", j.op).Warn("persist buffer saturated; running job on standalone goroutine")
	p.inlineWG.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.inlineWG.Done()
		p.run(j, -1)
	}()
}

// Shutdown stops accepting jobs and waits for in-flight ones to finish.
func (p *PersistPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.workerWG.Wait()
	p.inlineWG.Wait()
}
