package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meetsync/remote"
	"meetsync/session"
)

// JobAPI is the remote surface the tracker needs.
type JobAPI interface {
	GetJobStatus(ctx context.Context, jobID string) (*session.SyncJob, error)
	StreamJob(ctx context.Context, jobID string, connected func(), updates chan<- session.SyncJob) error
	CancelJob(ctx context.Context, jobID string) (bool, string, error)
}

// JobTracker follows one remote processing job through both transports
// at once: a server-sent-events stream for low latency and polling as
// the safety net. Consumers see a single ordered channel of updates;
// duplicates across transports and out-of-order regressions are
// filtered here, and nothing is emitted after a terminal phase.
type JobTracker struct {
	api          JobAPI
	jobID        string
	sessionID    string
	pollInterval time.Duration
	logger       *zap.SugaredLogger

	updates  chan session.SyncJob
	streamUp atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	last     session.SyncJob
	terminal bool
}

func NewJobTracker(api JobAPI, jobID, sessionID string, pollInterval time.Duration, logger *zap.SugaredLogger) *JobTracker {
	return &JobTracker{
		api:          api,
		jobID:        jobID,
		sessionID:    sessionID,
		pollInterval: pollInterval,
		logger:       logger,
		updates:      make(chan session.SyncJob, 32),
		done:         make(chan struct{}),
	}
}

// Track starts both transports and returns the update channel. The
// channel closes after a terminal update has been delivered or ctx is
// canceled.
func (t *JobTracker) Track(ctx context.Context) <-chan session.SyncJob {
	streamCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	raw := make(chan session.SyncJob, 8)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(raw)
		t.streamLoop(streamCtx, raw)
	}()
	go func() {
		defer wg.Done()
		t.pollLoop(streamCtx)
	}()
	go func() {
		for u := range raw {
			t.apply(u)
		}
		wg.Wait()
		cancel()
		close(t.updates)
		close(t.done)
	}()
	return t.updates
}

// Done closes once the tracker has fully shut down.
func (t *JobTracker) Done() <-chan struct{} {
	return t.done
}

// Last returns the most recent accepted update.
func (t *JobTracker) Last() session.SyncJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Cancel asks the service to cancel the job. The job is marked canceled
// locally only after the server acknowledges.
func (t *JobTracker) Cancel(ctx context.Context) error {
	ok, msg, err := t.api.CancelJob(ctx, t.jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel rejected by server: %s", msg)
	}
	t.apply(session.SyncJob{JobID: t.jobID, Phase: session.PhaseCanceled, Message: msg})
	return nil
}

func (t *JobTracker) streamLoop(ctx context.Context, raw chan<- session.SyncJob) {
	for ctx.Err() == nil && !t.terminalReached() {
		err := t.api.StreamJob(ctx, t.jobID, func() { t.streamUp.Store(true) }, raw)
		t.streamUp.Store(false)
		if ctx.Err() != nil || t.terminalReached() {
			return
		}
		if err != nil {
			t.logger.Debugf("Job stream dropped (job=%s), retrying: %v", t.jobID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.pollInterval):
		}
	}
}

func (t *JobTracker) pollLoop(ctx context.Context) {
	for {
		interval := t.pollInterval
		if t.streamUp.Load() {
			// Stream is live, polling is only a safety net
			interval *= 5
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if t.terminalReached() {
			return
		}

		job, err := t.api.GetJobStatus(ctx, t.jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !remote.Retryable(err) {
				t.apply(session.SyncJob{JobID: t.jobID, Phase: session.PhaseError, Message: err.Error()})
				return
			}
			t.logger.Debugf("Job poll failed (job=%s): %v", t.jobID, err)
			continue
		}
		t.apply(*job)
		if job.Phase.Terminal() {
			return
		}
	}
}

// apply merges one update from either transport. Updates that would
// move the phase backwards are stale duplicates and are dropped, as is
// anything after a terminal phase.
func (t *JobTracker) apply(update session.SyncJob) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	if update.Phase.Rank() < t.last.Phase.Rank() {
		t.mu.Unlock()
		return
	}
	update.SessionID = t.sessionID
	t.last = update
	if update.Phase.Terminal() {
		t.terminal = true
	}
	t.mu.Unlock()

	// Drop-oldest on a full buffer: a slow consumer loses intermediate
	// progress, never the terminal update.
	for {
		select {
		case t.updates <- update:
			if update.Phase.Terminal() && t.cancel != nil {
				t.cancel()
			}
			return
		default:
			select {
			case <-t.updates:
			default:
			}
		}
	}
}

func (t *JobTracker) terminalReached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}
