package kb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/recording"
)

// CoordinatorOptions configures a Coordinator
type CoordinatorOptions struct {
	// Timeout bounds a single submission
	Timeout time.Duration
	// SourcePath resolves the local audio path sent with submissions
	SourcePath func(rec recording.Recording) string
	// OnStatusChange is called after every sync status write
	OnStatusChange func(rec recording.Recording)
	Now            func() time.Time
	Logger         *zerolog.Logger
}

type job struct {
	segment  string
	snapshot recording.Recording
	queued   time.Time
}

// Coordinator syncs finalized segments to the knowledge base. Attempts for the
// same recording run one at a time in the order segments were finalized, so
// status writes never interleave; different recordings sync independently.
// It is the only writer of recording sync status.
type Coordinator struct {
	submitter Submitter
	store     recording.Store
	opts      CoordinatorOptions
	logger    zerolog.Logger

	mu      sync.Mutex
	queues  map[string][]job
	closed  bool
	workers sync.WaitGroup
}

// NewCoordinator creates a coordinator writing sync status to store
func NewCoordinator(submitter Submitter, store recording.Store, opts CoordinatorOptions) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := observability.Component("kb")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Coordinator{
		submitter: submitter,
		store:     store,
		opts:      opts,
		logger:    logger,
		queues:    make(map[string][]job),
	}
}

// OnFinalSegment queues a sync attempt for a finalized segment and returns
// immediately. snapshot is the recording including the segment.
func (c *Coordinator) OnFinalSegment(segment string, snapshot recording.Recording) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Warn().Str("recording_id", snapshot.ID).Msg("Coordinator closed, dropping segment")
		return
	}

	pending, running := c.queues[snapshot.ID]
	c.queues[snapshot.ID] = append(pending, job{segment: segment, snapshot: snapshot, queued: c.opts.Now()})
	observability.AddSyncQueueDepth(1)

	if !running {
		c.workers.Add(1)
		go c.run(snapshot.ID)
	}
}

// run drains one recording's queue and exits when it is empty
func (c *Coordinator) run(id string) {
	defer c.workers.Done()
	logger := observability.WithRecording(c.logger, id)

	for {
		c.mu.Lock()
		queue := c.queues[id]
		if len(queue) == 0 {
			delete(c.queues, id)
			c.mu.Unlock()
			return
		}
		next := queue[0]
		c.queues[id] = queue[1:]
		c.mu.Unlock()

		observability.AddSyncQueueDepth(-1)
		c.attempt(logger, next)
	}
}

func (c *Coordinator) attempt(logger zerolog.Logger, j job) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	id := j.snapshot.ID
	started := c.opts.Now()

	pending, err := c.store.Update(ctx, id, func(rec *recording.Recording) error {
		rec.Sync.State = recording.SyncPending
		rec.Sync.LastAttemptedAt = &started
		rec.Sync.LastErrorMessage = ""
		rec.UpdatedAt = started
		return nil
	})
	if errors.Is(err, recording.ErrNotFound) {
		logger.Debug().Msg("Recording deleted, skipping sync")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark sync pending")
		observability.RecordError("sync_status", "kb")
		return
	}
	c.notify(pending)

	// Content comes from the snapshot taken when the segment was finalized;
	// sync state comes from the store.
	payload := j.snapshot
	payload.Sync = pending.Sync
	payload.UpdatedAt = pending.UpdatedAt
	sourcePath := ""
	if c.opts.SourcePath != nil {
		sourcePath = c.opts.SourcePath(payload)
	}

	result, submitErr := c.submitter.Submit(ctx, BuildSubmission(payload, j.segment, sourcePath))
	elapsed := c.opts.Now().Sub(started)
	observability.RecordSyncAttempt(submitErr == nil, elapsed.Seconds())

	// The status write must land even if the submission used up the timeout
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer writeCancel()

	finished, err := c.store.Update(writeCtx, id, func(rec *recording.Recording) error {
		now := c.opts.Now()
		rec.UpdatedAt = now
		if submitErr != nil {
			rec.Sync.State = recording.SyncError
			rec.Sync.LastErrorMessage = submitErr.Error()
			return nil
		}
		rec.Sync.State = recording.SyncSuccess
		if len(result.Identifiers) > 0 {
			rec.Sync.RemoteIdentifiers = result.Identifiers
		}
		rec.Sync.LastSyncedAt = &now
		if result.Status != "" {
			rec.Sync.LastKnownRemoteStatus = result.Status
		}
		rec.Sync.LastErrorMessage = ""
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record sync result")
		observability.RecordError("sync_status", "kb")
		return
	}
	c.notify(finished)

	if submitErr != nil {
		var serverErr *ServerError
		event := logger.Warn().Err(submitErr).Dur("elapsed", elapsed)
		if errors.As(submitErr, &serverErr) {
			event = event.Int("status_code", serverErr.StatusCode)
		}
		event.Msg("Knowledge base sync failed")
		observability.RecordError("sync_failed", "kb")
		return
	}
	logger.Info().
		Dur("elapsed", elapsed).
		Strs("identifiers", finished.Sync.RemoteIdentifiers).
		Msg("Knowledge base sync succeeded")
}

func (c *Coordinator) notify(rec recording.Recording) {
	if c.opts.OnStatusChange != nil {
		c.opts.OnStatusChange(rec)
	}
}

// Pending returns the number of queued segments for a recording, not
// counting one in flight
func (c *Coordinator) Pending(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[id])
}

// Wait blocks until every queued attempt has finished or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting segments and waits for queued attempts to finish
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Wait(ctx)
}
