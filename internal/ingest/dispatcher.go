package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Task is a unit of ingest work
type Task func()

// Dispatcher runs ingest tasks on a fixed set of workers.
//
// Tasks are sharded by key (the device id): all tasks for one key run on the
// same worker in submission order, so a device's readings are broadcast in the
// order the source delivered them, while different devices proceed in parallel.
//
// Submit never blocks. When a shard's queue is full the task is dropped and
// counted; ingest is best-effort like the rest of the relay.
type Dispatcher struct {
	shards  []chan Task
	logger  zerolog.Logger
	dropped atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped atomic.Bool
}

// NewDispatcher creates a dispatcher with workers shards, each queueing up to
// queueSize tasks. Call Start before Submit.
func NewDispatcher(workers, queueSize int, logger zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	shards := make([]chan Task, workers)
	for i := range shards {
		shards[i] = make(chan Task, queueSize)
	}
	return &Dispatcher{
		shards: shards,
		logger: logger.With().Str("component", "ingest_dispatcher").Logger(),
	}
}

// Start launches one goroutine per shard. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i, queue := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, queue)
	}
}

func (d *Dispatcher) worker(ctx context.Context, shard int, queue chan Task) {
	defer d.wg.Done()

	for {
		select {
		case task := <-queue:
			d.run(shard, task)
		case <-ctx.Done():
			d.logger.Debug().Int("shard", shard).Msg("Worker shutting down")
			return
		}
	}
}

func (d *Dispatcher) run(shard int, task Task) {
	if task == nil {
		return
	}
	defer monitoring.RecoverPanic(d.logger, "ingest_worker", map[string]any{"shard": shard})
	task()
}

// Submit queues task on the shard owning key. Returns false if the task was dropped.
func (d *Dispatcher) Submit(key string, task Task) bool {
	if d.stopped.Load() {
		d.dropped.Add(1)
		return false
	}
	queue := d.shards[d.shardFor(key)]
	select {
	case queue <- task:
		return true
	default:
		if n := d.dropped.Add(1); n%100 == 1 {
			d.logger.Warn().
				Str("key", key).
				Int64("total_dropped", n).
				Msg("Ingest queue full, task dropped (sampled)")
		}
		return false
	}
}

func (d *Dispatcher) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.shards)))
}

// Stop cancels the workers and waits for them to exit. Queued tasks that have
// not started are discarded.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)

	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Dropped returns the number of tasks rejected so far
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Workers returns the number of shards
func (d *Dispatcher) Workers() int {
	return len(d.shards)
}
