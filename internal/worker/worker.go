package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"chat-relay/internal/domain"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 5
	defaultRetention    = 7 * 24 * time.Hour
	defaultPurgeEvery   = time.Hour
)

type Queue interface {
	Dequeue(ctx context.Context, limit int) ([]domain.QueueItem, error)
	PurgeFinished(ctx context.Context, cutoff time.Time) (int, error)
}

type Processor interface {
	Process(ctx context.Context, item domain.QueueItem) error
}

// Worker polls the inbound queue and hands pending items to the
// processor. Items are serialized per sender: messages from the same
// sender run in arrival order on a dedicated lane, while distinct
// senders proceed concurrently. A per-item failure never stops the loop.
type Worker struct {
	queue     Queue
	processor Processor
	logger    zerolog.Logger

	pollInterval time.Duration
	batchSize    int
	retention    time.Duration
	purgeEvery   time.Duration

	mu       sync.Mutex
	lanes    map[string][]domain.QueueItem
	active   map[string]bool
	inFlight map[string]struct{}
	wg       conc.WaitGroup
}

type Option func(*Worker)

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

func WithRetention(d time.Duration) Option {
	return func(w *Worker) { w.retention = d }
}

func WithPurgeInterval(d time.Duration) Option {
	return func(w *Worker) { w.purgeEvery = d }
}

func New(queue Queue, processor Processor, logger zerolog.Logger, opts ...Option) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if processor == nil {
		return nil, errors.New("worker: processor is required")
	}
	w := &Worker{
		queue:        queue,
		processor:    processor,
		logger:       logger,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		retention:    defaultRetention,
		purgeEvery:   defaultPurgeEvery,
		lanes:        make(map[string][]domain.QueueItem),
		active:       make(map[string]bool),
		inFlight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run polls until ctx is cancelled, then waits for in-flight lanes to
// drain before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("pollInterval", w.pollInterval).
		Int("batchSize", w.batchSize).
		Msg("queue worker started")

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	purge := time.NewTicker(w.purgeEvery)
	defer purge.Stop()

	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("queue worker stopping; draining lanes")
			if recovered := w.wg.WaitAndRecover(); recovered != nil {
				w.logger.Error().Interface("panic", recovered.Value).Msg("lane panicked during drain")
			}
			w.logger.Info().Msg("queue worker stopped")
			return nil
		case <-poll.C:
			w.pollOnce(ctx)
		case <-purge.C:
			w.purgeOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	items, err := w.queue.Dequeue(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("failed to poll queue")
		}
		return
	}
	for _, item := range items {
		w.dispatch(ctx, item)
	}
}

// dispatch appends the item to its sender's lane, starting the lane
// goroutine if it was idle. Items already dispatched but still pending
// in the store are skipped so a second poll cannot double-process them.
func (w *Worker) dispatch(ctx context.Context, item domain.QueueItem) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.inFlight[item.ID]; dup {
		return
	}
	w.inFlight[item.ID] = struct{}{}

	senderID := item.SenderID
	w.lanes[senderID] = append(w.lanes[senderID], item)
	if !w.active[senderID] {
		w.active[senderID] = true
		// Lanes outlive a shutdown signal so an item caught mid-flight can
		// reach a terminal status instead of being stranded as processing.
		laneCtx := context.WithoutCancel(ctx)
		w.wg.Go(func() { w.runLane(laneCtx, senderID) })
	}
}

func (w *Worker) runLane(ctx context.Context, senderID string) {
	for {
		w.mu.Lock()
		lane := w.lanes[senderID]
		if len(lane) == 0 {
			delete(w.lanes, senderID)
			delete(w.active, senderID)
			w.mu.Unlock()
			return
		}
		item := lane[0]
		w.lanes[senderID] = lane[1:]
		w.mu.Unlock()

		if err := w.processor.Process(ctx, item); err != nil {
			w.logger.Error().Err(err).
				Str("messageId", item.ID).
				Str("senderId", senderID).
				Msg("queue item failed")
		}

		w.mu.Lock()
		delete(w.inFlight, item.ID)
		w.mu.Unlock()
	}
}

func (w *Worker) purgeOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retention)
	n, err := w.queue.PurgeFinished(ctx, cutoff)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to purge finished queue items")
		return
	}
	if n > 0 {
		w.logger.Info().Int("removed", n).Time("cutoff", cutoff).Msg("purged finished queue items")
	}
}
