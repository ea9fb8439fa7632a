package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nimasrn/mass-mailer/pkg/logger"
)

// ErrStopped is returned by Enqueue once Exit has been called.
var ErrStopped = errors.New("worker manager stopped")

// Job is a unit of work. ctx is cancelled when the manager exits, jobs still
// buffered at that point are invoked with an already cancelled ctx so callers
// tracking completion are always released.
type Job func(ctx context.Context)

type WorkerManager struct {
	bufferSize     int
	numberOfWorker int
	jobChannel     chan Job
	quit           chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
	waiter         sync.WaitGroup
	started        atomic.Bool
	exitOnce       sync.Once
	enqueueMu      sync.RWMutex
	busy           atomic.Int64
}

// NewWorkerManager
// is a job manager based on go routines. A fixed number of workers consume a
// buffered channel, so the number of jobs running at once never exceeds
// numberOfWorkers no matter how many producers enqueue.
func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan Job, bufferSize),
		quit:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	return int64(len(w.jobChannel))
}

// Busy reports how many jobs are executing right now.
func (w *WorkerManager) Busy() int64 {
	return w.busy.Load()
}

func (w *WorkerManager) Size() int {
	return w.numberOfWorker
}

// Start
// starts off the workers as many as defined by numberOfWorker. It does not block.
func (w *WorkerManager) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.run(index, job)
				case <-w.quit:
					return
				}
			}
		}(i)
	}
}

func (w *WorkerManager) run(index int, job Job) {
	w.busy.Add(1)
	defer w.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker job panicked", "worker", index, "panic", r)
		}
	}()
	job(w.ctx)
}

// Enqueue
// publishes a job onto the channel, blocking while the buffer is full.
// It gives up when ctx is done or the manager is exiting.
func (w *WorkerManager) Enqueue(ctx context.Context, job Job) error {
	w.enqueueMu.RLock()
	defer w.enqueueMu.RUnlock()

	select {
	case <-w.quit:
		return ErrStopped
	default:
	}

	select {
	case w.jobChannel <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrStopped
	}
}

// Exit
// stops the workers after their current job, then flushes whatever is left in
// the buffer with a cancelled context.
func (w *WorkerManager) Exit() {
	w.exitOnce.Do(func() {
		logger.Info("Exit() is called and worker manager is going to be shutdown")
		w.cancel()
		close(w.quit)
		// no producer can be mid-send once the write lock is held
		w.enqueueMu.Lock()
		defer w.enqueueMu.Unlock()
		w.waiter.Wait()

		for {
			select {
			case job := <-w.jobChannel:
				w.run(-1, job)
			default:
				return
			}
		}
	})
}
