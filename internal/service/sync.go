package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meetsync/audio"
	"meetsync/remote"
	"meetsync/session"
	"meetsync/store"
)

var (
	// ErrNoAudioData — the session has no stored chunks on any channel.
	ErrNoAudioData = errors.New("sync: session has no audio data")
	// ErrSyncInFlight — a sync for this session is already running.
	ErrSyncInFlight = errors.New("sync: already in progress for this session")
)

// RemoteSyncAPI is everything the sync engine needs from the remote
// service. *remote.Client satisfies it.
type RemoteSyncAPI interface {
	JobAPI
	StartSession(ctx context.Context, title, language string, tags []string, scope string) (string, error)
	UploadChunk(ctx context.Context, remoteID string, data []byte, sequence int, channel string) (string, error)
	RequestProcessing(ctx context.Context, remoteID string) (string, error)
	DeleteAudio(ctx context.Context, remoteID string) error
	DeleteSession(ctx context.Context, remoteID string) error
}

// SyncService uploads finished recordings and follows their processing
// jobs. The flow is at-least-once end to end: every step is safe to
// repeat after a crash or network failure, and the server deduplicates
// re-uploads, so the worst case is wasted bandwidth, never duplicated
// meetings. A session already in status sent is a completed sync and
// short-circuits without any network traffic.
type SyncService struct {
	store        *store.Store
	api          RemoteSyncAPI
	notifier     Notifier
	pollInterval time.Duration
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]bool
	trackers map[string]*JobTracker
}

func NewSyncService(st *store.Store, api RemoteSyncAPI, notifier Notifier, pollInterval time.Duration, logger *zap.SugaredLogger) *SyncService {
	return &SyncService{
		store:        st,
		api:          api,
		notifier:     notifier,
		pollInterval: pollInterval,
		logger:       logger,
		inflight:     make(map[string]bool),
		trackers:     make(map[string]*JobTracker),
	}
}

// Sync pushes one session through the full pipeline: register (if
// needed), assemble and upload each channel, request processing, then
// follow the job to a terminal phase in the background.
func (s *SyncService) Sync(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusSent {
		return nil
	}

	s.mu.Lock()
	if s.inflight[sessionID] {
		s.mu.Unlock()
		return ErrSyncInFlight
	}
	s.inflight[sessionID] = true
	s.mu.Unlock()

	if err := s.run(ctx, sess); err != nil {
		s.finish(sessionID)
		return err
	}
	return nil
}

func (s *SyncService) run(ctx context.Context, sess *session.Session) error {
	channels, err := s.store.ChannelsWithData(sess.ID)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return ErrNoAudioData
	}

	sess.Status = session.StatusQueued
	sess.LastSyncError = ""
	sess.UpdatedAt = time.Now()
	if err := s.store.SaveSession(sess); err != nil {
		return err
	}
	s.notifier.SyncStatus(sess)

	if sess.RemoteID == "" {
		remoteID, err := s.api.StartSession(ctx, sess.Title, sess.Language, sess.Tags, "meeting")
		if err != nil {
			return s.fail(sess, fmt.Errorf("register session: %w", err))
		}
		sess.RemoteID = remoteID
		sess.UpdatedAt = time.Now()
		if err := s.store.SaveSession(sess); err != nil {
			return err
		}
	}

	for i, ch := range channels {
		artifact, err := s.encodeChannel(sess.ID, ch)
		if err != nil {
			return s.fail(sess, fmt.Errorf("assemble %s: %w", ch, err))
		}
		if _, err := s.api.UploadChunk(ctx, sess.RemoteID, artifact, i, string(ch)); err != nil {
			return s.fail(sess, fmt.Errorf("upload %s: %w", ch, err))
		}
		// An interrupted recording never saw a clean stop; recover the
		// duration from the audio itself.
		if sess.DurationSeconds == 0 {
			if dur, err := session.MP3Duration(bytes.NewReader(artifact)); err == nil {
				sess.DurationSeconds = dur
				if err := s.store.SaveSession(sess); err != nil {
					s.logger.Warnf("Failed to persist recovered duration: %v", err)
				}
			}
		}
	}

	jobID, err := s.api.RequestProcessing(ctx, sess.RemoteID)
	if err != nil {
		return s.fail(sess, fmt.Errorf("request processing: %w", err))
	}
	s.logger.Infof("Sync started: session=%s remote=%s job=%s channels=%d",
		sess.ID, sess.RemoteID, jobID, len(channels))

	tracker := NewJobTracker(s.api, jobID, sess.ID, s.pollInterval, s.logger)
	s.mu.Lock()
	s.trackers[sess.ID] = tracker
	s.mu.Unlock()

	// The job outlives the sync call; tracking is detached from ctx.
	go s.follow(sess, tracker.Track(context.Background()))
	return nil
}

// encodeChannel assembles one channel's PCM chunks and encodes them to
// a single MP3 artifact.
func (s *SyncService) encodeChannel(sessionID string, ch session.Channel) ([]byte, error) {
	pcm, err := s.store.Assemble(sessionID, ch)
	if err != nil {
		return nil, err
	}
	if pcm == nil {
		return nil, fmt.Errorf("channel %s vanished during sync", ch)
	}

	var buf bytes.Buffer
	enc := session.NewMP3Writer(&buf, audio.SampleRate, 1)
	if err := enc.WritePCM16(pcm); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// follow consumes tracker updates until the terminal phase and settles
// the session record accordingly.
func (s *SyncService) follow(sess *session.Session, updates <-chan session.SyncJob) {
	var last session.SyncJob
	for update := range updates {
		last = update
		s.notifier.JobProgress(sess.ID, update)
	}

	switch last.Phase {
	case session.PhaseDone:
		sess.Status = session.StatusSent
		sess.LastSyncError = ""
		sess.SyncRetryable = false
	case session.PhaseCanceled:
		sess.Status = session.StatusError
		sess.LastSyncError = "processing canceled"
		sess.SyncRetryable = true
	default:
		// PhaseError, or the tracker shut down without a terminal
		// update (process exit); either way the sync did not complete.
		sess.Status = session.StatusError
		sess.LastSyncError = last.Message
		if sess.LastSyncError == "" {
			sess.LastSyncError = "processing failed"
		}
		sess.SyncRetryable = true
	}
	sess.UpdatedAt = time.Now()
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.Errorf("Failed to persist sync outcome: %v", err)
	}
	s.notifier.SyncStatus(sess)
	s.finish(sess.ID)
	s.logger.Infof("Sync finished: session=%s status=%s", sess.ID, sess.Status)
}

func (s *SyncService) fail(sess *session.Session, err error) error {
	sess.Status = session.StatusError
	sess.LastSyncError = err.Error()
	sess.SyncRetryable = remote.Retryable(err)
	sess.UpdatedAt = time.Now()
	if saveErr := s.store.SaveSession(sess); saveErr != nil {
		s.logger.Errorf("Failed to persist sync failure: %v", saveErr)
	}
	s.notifier.SyncStatus(sess)
	return err
}

func (s *SyncService) finish(sessionID string) {
	s.mu.Lock()
	delete(s.inflight, sessionID)
	delete(s.trackers, sessionID)
	s.mu.Unlock()
}

// Retry re-runs a failed sync.
func (s *SyncService) Retry(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusError {
		return fmt.Errorf("session %s is not in error state (status=%s)", sessionID, sess.Status)
	}
	return s.Sync(ctx, sessionID)
}

// CancelJob cancels the in-flight processing job of a session.
func (s *SyncService) CancelJob(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	tracker := s.trackers[sessionID]
	s.mu.Unlock()
	if tracker == nil {
		return fmt.Errorf("no active job for session %s", sessionID)
	}
	return tracker.Cancel(ctx)
}

// ListSessions returns all local sessions, newest first.
func (s *SyncService) ListSessions() ([]*session.Session, error) {
	return s.store.ListSessions()
}

func (s *SyncService) GetSession(sessionID string) (*session.Session, error) {
	return s.store.GetSession(sessionID)
}

// SetTitle updates the session title locally.
func (s *SyncService) SetTitle(sessionID, title string) error {
	return s.updateSession(sessionID, func(sess *session.Session) {
		sess.Title = title
	})
}

// SetTags replaces the session tags locally.
func (s *SyncService) SetTags(sessionID string, tags []string) error {
	return s.updateSession(sessionID, func(sess *session.Session) {
		sess.Tags = tags
	})
}

func (s *SyncService) updateSession(sessionID string, mutate func(*session.Session)) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	mutate(sess)
	sess.UpdatedAt = time.Now()
	if err := s.store.SaveSession(sess); err != nil {
		return err
	}
	s.notifier.SyncStatus(sess)
	return nil
}

// AudioWAV assembles the session audio as a playable WAV. The mixed
// channel is preferred; separate-channel recordings fall back to the
// microphone, then system.
func (s *SyncService) AudioWAV(sessionID string) ([]byte, error) {
	for _, ch := range []session.Channel{session.ChannelMixed, session.ChannelMicrophone, session.ChannelSystem} {
		pcm, err := s.store.Assemble(sessionID, ch)
		if err != nil {
			return nil, err
		}
		if pcm != nil {
			return session.WAVFromPCM16(pcm, audio.SampleRate, 1), nil
		}
	}
	return nil, ErrNoAudioData
}

// DeleteAudio removes the audio locally and, for an already synced
// session, remotely as well. Remote failure does not block the local
// delete: the user asked for the bytes to go away.
func (s *SyncService) DeleteAudio(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.RemoteID != "" && sess.Status == session.StatusSent {
		if err := s.api.DeleteAudio(ctx, sess.RemoteID); err != nil {
			s.logger.Warnf("Remote audio delete failed (session=%s): %v", sessionID, err)
		}
	}
	return s.store.DeleteChunks(sessionID)
}

// DeleteSessionData removes the session record, its chunks and the
// remote session if one was registered.
func (s *SyncService) DeleteSessionData(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.RemoteID != "" {
		if err := s.api.DeleteSession(ctx, sess.RemoteID); err != nil {
			s.logger.Warnf("Remote session delete failed (session=%s): %v", sessionID, err)
		}
	}
	return s.store.DeleteSession(sessionID)
}
