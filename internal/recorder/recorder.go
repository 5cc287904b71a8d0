// Package recorder owns the ingest hot path: callers hand it samples
// without blocking, a single consumer flushes them to the store in batches.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/model"
)

// ErrStopped is returned by Drain once the consumer loop has exited.
var ErrStopped = errors.New("recorder is not running")

// Stats is a point-in-time snapshot of recorder counters.
type Stats struct {
	Enqueued  int64
	Flushed   int64
	Batches   int64
	Dropped   int64
	Discarded int64
	Retries   int64
	QueueLen  int
}

// Aggregate is the in-memory running summary for one session. It is
// updated on ingest, before the sample reaches disk, so reads never wait
// on a flush.
type Aggregate struct {
	TotalEvents int64
	AvgRate     float64
	MaxRate     float64
}

type perfSnapshot struct {
	cpu *float64
	mem *float64
}

type Recorder struct {
	store         *db.Store
	batchSize     int
	flushInterval time.Duration

	queue   chan model.Sample
	drainCh chan chan error
	done    chan struct{}

	mu     sync.Mutex
	paused bool
	perf   perfSnapshot
	aggs   map[int64]*sessionAgg
	stats  Stats
}

type sessionAgg struct {
	count   int64
	rateSum float64
	maxRate float64
}

func New(store *db.Store, batchSize, queueCapacity int, flushInterval time.Duration) *Recorder {
	if batchSize <= 0 {
		batchSize = 50
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Recorder{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan model.Sample, queueCapacity),
		drainCh:       make(chan chan error, 1),
		done:          make(chan struct{}),
		aggs:          make(map[int64]*sessionAgg),
	}
}

// Ingest accepts one sample for the session. It updates the in-memory
// aggregate immediately and enqueues the sample for the batch writer. The
// call never blocks: when the queue is full the sample is shed and counted.
// Returns false if the sample was dropped (paused or overflow).
func (r *Recorder) Ingest(sessionID int64, rate float64, signalQuality *float64, at time.Time) bool {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return false
	}
	agg := r.aggs[sessionID]
	if agg == nil {
		agg = &sessionAgg{}
		r.aggs[sessionID] = agg
	}
	agg.count++
	agg.rateSum += rate
	if rate > agg.maxRate {
		agg.maxRate = rate
	}
	sample := model.Sample{
		SessionID:     sessionID,
		Timestamp:     at.UTC(),
		SequenceValue: agg.count,
		Rate:          rate,
		SignalQuality: signalQuality,
		CPUUsage:      r.perf.cpu,
		MemoryUsage:   r.perf.mem,
	}
	r.mu.Unlock()

	select {
	case r.queue <- sample:
		r.mu.Lock()
		r.stats.Enqueued++
		r.mu.Unlock()
		return true
	default:
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		return false
	}
}

// IngestPerformance records the latest cpu/memory reading. The snapshot is
// stamped onto samples ingested after it, not queued on its own.
func (r *Recorder) IngestPerformance(cpuUsage, memoryUsage float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cpu, mem := cpuUsage, memoryUsage
	r.perf = perfSnapshot{cpu: &cpu, mem: &mem}
}

// SetPaused toggles the ingest gate. While paused, samples are dropped
// without touching aggregates or counters.
func (r *Recorder) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Aggregates returns the in-memory running summary for the session. The
// second return is false if the recorder has not seen the session.
func (r *Recorder) Aggregates(sessionID int64) (Aggregate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.aggs[sessionID]
	if !ok {
		return Aggregate{}, false
	}
	return aggregateOf(agg), true
}

// ForgetSession drops the in-memory aggregate for a closed session.
func (r *Recorder) ForgetSession(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aggs, sessionID)
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.QueueLen = len(r.queue)
	return stats
}

// Run is the single consumer loop. A batch flushes when it reaches the
// batch size or when the flush interval elapses with samples waiting.
// Run returns after ctx is cancelled and a final drain completed.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)

	batch := make([]model.Sample, 0, r.batchSize)
	timer := time.NewTimer(r.flushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flushBatch(batch)
		batch = batch[:0]
	}
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.flushInterval)
	}

	for {
		select {
		case sample := <-r.queue:
			batch = append(batch, sample)
			if len(batch) >= r.batchSize {
				flush()
				resetTimer()
			}
		case <-timer.C:
			flush()
			timer.Reset(r.flushInterval)
		case reply := <-r.drainCh:
		drain:
			for {
				select {
				case sample := <-r.queue:
					batch = append(batch, sample)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			reply <- nil
			resetTimer()
		case <-ctx.Done():
			// Final drain so a clean shutdown loses nothing already queued.
			for {
				select {
				case sample := <-r.queue:
					batch = append(batch, sample)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Drain synchronously flushes everything queued so far. Used before
// closing a session so its totals include in-flight samples. Once the
// consumer loop has exited, Drain fails fast with ErrStopped instead of
// waiting out the caller's deadline.
func (r *Recorder) Drain(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.drainCh <- reply:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushBatch writes one batch with a single retry. A batch that fails
// twice is discarded; ingest must never back up behind a broken disk.
func (r *Recorder) flushBatch(batch []model.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.store.InsertSampleBatch(ctx, batch)
	if err != nil {
		r.mu.Lock()
		r.stats.Retries++
		r.mu.Unlock()
		err = r.store.InsertSampleBatch(ctx, batch)
	}
	if err != nil {
		r.mu.Lock()
		r.stats.Discarded += int64(len(batch))
		r.mu.Unlock()
		fmt.Fprintf(os.Stderr, "blinkd: discarding batch of %d samples: %v\n", len(batch), err)
		return
	}

	r.mu.Lock()
	r.stats.Flushed += int64(len(batch))
	r.stats.Batches++
	touched := make(map[int64]Aggregate)
	for _, sample := range batch {
		if agg, ok := r.aggs[sample.SessionID]; ok {
			touched[sample.SessionID] = aggregateOf(agg)
		}
	}
	r.mu.Unlock()

	for sessionID, agg := range touched {
		if err := r.store.ApplyAggregates(ctx, sessionID, agg.TotalEvents, agg.AvgRate, agg.MaxRate); err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "blinkd: persist aggregates for session %d: %v\n", sessionID, err)
			}
		}
	}
}

func aggregateOf(agg *sessionAgg) Aggregate {
	out := Aggregate{TotalEvents: agg.count, MaxRate: agg.maxRate}
	if agg.count > 0 {
		out.AvgRate = agg.rateSum / float64(agg.count)
	}
	return out
}
