package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meetsync/audio"
	"meetsync/session"
	"meetsync/store"
)

// audioLevelInterval is how often meter levels go out to the UI.
const audioLevelInterval = 100 * time.Millisecond

// CaptureEngine abstracts audio.Engine so tests can drive the recording
// pipeline without real devices.
type CaptureEngine interface {
	Acquire(opts audio.AcquireOptions) (CaptureHandle, error)
	ListDevices() ([]audio.Device, error)
}

// CaptureHandle is one active capture.
type CaptureHandle interface {
	Fragments() <-chan audio.Fragment
	SystemDegraded() bool
	Mixed() bool
	Levels() (mic, system float64)
	Err() error
	Stop(ctx context.Context) error
}

type engineAdapter struct {
	engine *audio.Engine
}

func (a engineAdapter) Acquire(opts audio.AcquireOptions) (CaptureHandle, error) {
	h, err := a.engine.Acquire(opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a engineAdapter) ListDevices() ([]audio.Device, error) {
	return a.engine.ListDevices()
}

// WrapEngine adapts the concrete audio engine to CaptureEngine.
func WrapEngine(e *audio.Engine) CaptureEngine {
	return engineAdapter{engine: e}
}

// Notifier receives UI-facing events. The websocket server implements
// it; services never talk to transports directly.
type Notifier interface {
	RecordingStarted(sessionID string, systemDegraded, mixed bool)
	RecordingStopped(sessionID string, durationSeconds float64)
	AudioLevel(mic, system float64)
	ChunkStored(sessionID string, channel session.Channel, sequence uint64)
	RecordingError(sessionID, message string)
	SyncStatus(sess *session.Session)
	JobProgress(sessionID string, job session.SyncJob)
	InterruptedFound(snap *session.Snapshot)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) RecordingStarted(string, bool, bool)         {}
func (NopNotifier) RecordingStopped(string, float64)            {}
func (NopNotifier) AudioLevel(float64, float64)                 {}
func (NopNotifier) ChunkStored(string, session.Channel, uint64) {}
func (NopNotifier) RecordingError(string, string)               {}
func (NopNotifier) SyncStatus(*session.Session)                 {}
func (NopNotifier) JobProgress(string, session.SyncJob)         {}
func (NopNotifier) InterruptedFound(*session.Snapshot)          {}

// RemoteRegistrar registers a meeting with the remote service before
// devices are opened.
type RemoteRegistrar interface {
	StartSession(ctx context.Context, title, language string, tags []string, scope string) (string, error)
}

// StartOptions configures one recording attempt.
type StartOptions struct {
	Title          string   `json:"title"`
	Language       string   `json:"language"`
	Tags           []string `json:"tags"`
	MicDeviceID    string   `json:"micDeviceId"`
	SystemDeviceID string   `json:"systemDeviceId"`
	SystemAudio    bool     `json:"systemAudio"`
	DisableMix     bool     `json:"disableMix"`
}

// ControllerState is the snapshot returned by State.
type ControllerState struct {
	Recording      bool      `json:"recording"`
	SessionID      string    `json:"sessionId,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	SystemDegraded bool      `json:"systemDegraded,omitempty"`
	Mixed          bool      `json:"mixed,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

// RecordingService orchestrates capture start/stop, drains fragments
// into the store and keeps the recording lifecycle consistent.
//
// Ordering on start matters: the session record is created first, then
// the meeting is registered remotely, and only then are devices opened.
// A registration failure must never leave orphaned device locks, and a
// device failure must never orphan the session record (it stays local).
type RecordingService struct {
	store    *store.Store
	state    *session.StateManager
	engine   CaptureEngine
	remote   RemoteRegistrar
	notifier Notifier
	logger   *zap.SugaredLogger

	heartbeatInterval time.Duration
	defaultLanguage   string

	// appendChunk is the durable write path; overridable in tests to
	// simulate persistence failures.
	appendChunk func(session.Chunk, []byte) error

	mu        sync.Mutex
	handle    CaptureHandle
	current   *session.Session
	startedAt time.Time
	seq       map[session.Channel]uint64
	lastError string
	done      chan struct{}
}

func NewRecordingService(
	st *store.Store,
	state *session.StateManager,
	engine CaptureEngine,
	remote RemoteRegistrar,
	notifier Notifier,
	heartbeatInterval time.Duration,
	defaultLanguage string,
	logger *zap.SugaredLogger,
) *RecordingService {
	s := &RecordingService{
		store:             st,
		state:             state,
		engine:            engine,
		remote:            remote,
		notifier:          notifier,
		heartbeatInterval: heartbeatInterval,
		defaultLanguage:   defaultLanguage,
		logger:            logger,
	}
	s.appendChunk = st.AppendChunk
	return s
}

// Start begins a new recording and returns its session id.
func (s *RecordingService) Start(ctx context.Context, opts StartOptions) (string, error) {
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return "", session.ErrAlreadyRecording
	}
	s.mu.Unlock()

	// Covers the teardown window too: Stopping rejects a new start
	// before any remote registration happens.
	if s.state.State() != session.StateIdle {
		return "", session.ErrAlreadyRecording
	}

	if s.state.InterruptedRecording() != nil {
		return "", session.ErrInterruptedPending
	}

	language := opts.Language
	if language == "" {
		language = s.defaultLanguage
	}

	sess := &session.Session{
		ID:        uuid.NewString(),
		Title:     opts.Title,
		Language:  language,
		Tags:      opts.Tags,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Status:    session.StatusLocal,
	}
	if err := s.store.SaveSession(sess); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}

	// Register the meeting before touching devices. On failure the
	// session record stays behind as a local, re-syncable artifact.
	remoteID, err := s.remote.StartSession(ctx, sess.Title, sess.Language, sess.Tags, "meeting")
	if err != nil {
		sess.LastSyncError = err.Error()
		sess.UpdatedAt = time.Now()
		if saveErr := s.store.SaveSession(sess); saveErr != nil {
			s.logger.Errorf("Failed to persist session after registration failure: %v", saveErr)
		}
		return "", fmt.Errorf("register session: %w", err)
	}
	sess.RemoteID = remoteID
	sess.UpdatedAt = time.Now()
	if err := s.store.SaveSession(sess); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}

	if err := s.state.Begin(sess.ID, sess.Language); err != nil {
		return "", err
	}

	handle, err := s.engine.Acquire(audio.AcquireOptions{
		MicDeviceID:     opts.MicDeviceID,
		SystemDeviceID:  opts.SystemDeviceID,
		WantSystemAudio: opts.SystemAudio,
		DisableMix:      opts.DisableMix,
	})
	if err != nil {
		// Device failure after registration: the session record is
		// kept with status local so nothing is orphaned.
		s.state.Abort()
		return "", fmt.Errorf("acquire capture: %w", err)
	}

	s.mu.Lock()
	s.handle = handle
	s.current = sess
	s.startedAt = time.Now()
	s.seq = make(map[session.Channel]uint64)
	s.lastError = ""
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.processFragments(handle, sess)

	s.notifier.RecordingStarted(sess.ID, handle.SystemDegraded(), handle.Mixed())
	s.logger.Infof("Recording started: session=%s degraded=%v mixed=%v",
		sess.ID, handle.SystemDegraded(), handle.Mixed())
	return sess.ID, nil
}

// processFragments drains the capture channel into the store. It owns
// the per-channel sequence counters: a counter advances only after the
// chunk is durably written, so persisted sequences never have holes.
// A failed write marks the session gappy and recording continues.
func (s *RecordingService) processFragments(handle CaptureHandle, sess *session.Session) {
	defer close(s.done)

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	levels := time.NewTicker(audioLevelInterval)
	defer levels.Stop()

	fragments := handle.Fragments()
	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				return
			}
			s.storeFragment(sess, frag)
		case <-heartbeat.C:
			s.mu.Lock()
			elapsed := time.Since(s.startedAt).Seconds()
			counters := make(map[session.Channel]uint64, len(s.seq))
			for ch, n := range s.seq {
				counters[ch] = n
			}
			s.mu.Unlock()
			if err := s.state.Heartbeat(elapsed, counters); err != nil {
				s.logger.Warnf("Heartbeat failed: %v", err)
			}
		case <-levels.C:
			mic, system := handle.Levels()
			s.notifier.AudioLevel(mic, system)
		}
	}
}

func (s *RecordingService) storeFragment(sess *session.Session, frag audio.Fragment) {
	ch := session.Channel(frag.Channel)
	payload := audio.PCM16Bytes(frag.Samples)

	s.mu.Lock()
	seq := s.seq[ch]
	s.mu.Unlock()

	chunk := session.Chunk{
		SessionID: sess.ID,
		Channel:   ch,
		Sequence:  seq,
		CreatedAt: time.Now(),
	}
	if err := s.appendChunk(chunk, payload); err != nil {
		s.logger.Errorf("Chunk write failed (session=%s %s/%d): %v", sess.ID, ch, seq, err)
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		s.markGap(sess, err)
		return
	}

	s.mu.Lock()
	s.seq[ch] = seq + 1
	s.mu.Unlock()
	s.notifier.ChunkStored(sess.ID, ch, seq)
}

func (s *RecordingService) markGap(sess *session.Session, cause error) {
	sess.HasGaps = true
	sess.UpdatedAt = time.Now()
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.Errorf("Failed to persist gap flag: %v", err)
	}
	s.notifier.RecordingError(sess.ID, fmt.Sprintf("audio chunk lost: %v", cause))
}

// Stop ends the active recording, waits for buffered fragments to be
// written and finalizes the session record.
func (s *RecordingService) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	handle := s.handle
	sess := s.current
	startedAt := s.startedAt
	done := s.done
	s.mu.Unlock()

	if handle == nil {
		return "", session.ErrNotRecording
	}
	if err := s.state.BeginStop(); err != nil {
		return "", err
	}

	// Visible state flips to idle first; the device teardown below is
	// bounded but can still take seconds.
	s.mu.Lock()
	s.handle = nil
	s.current = nil
	s.mu.Unlock()

	stopErr := handle.Stop(ctx)
	if stopErr != nil {
		s.logger.Warnf("Capture stop degraded: %v", stopErr)
	}

	// The fragment loop exits when the capture channel closes; by then
	// every queued chunk went through the durable write path.
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnf("Gave up waiting for fragment drain: %v", ctx.Err())
	}

	sess.DurationSeconds = time.Since(startedAt).Seconds()
	sess.UpdatedAt = time.Now()
	if err := s.store.SaveSession(sess); err != nil {
		s.logger.Errorf("Failed to persist session on stop: %v", err)
	}
	if err := s.state.Finish(); err != nil {
		s.logger.Errorf("Failed to finish recording state: %v", err)
	}

	s.notifier.RecordingStopped(sess.ID, sess.DurationSeconds)
	s.logger.Infof("Recording stopped: session=%s duration=%.1fs", sess.ID, sess.DurationSeconds)
	return sess.ID, nil
}

// ForceStop is the emergency path for shutdown: bounded, never panics,
// all errors are swallowed into the log.
func (s *RecordingService) ForceStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Stop(ctx); err != nil && err != session.ErrNotRecording {
		s.logger.Errorf("Force stop: %v", err)
	}
}

// State returns the live controller state.
func (s *RecordingService) State() ControllerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ControllerState{LastError: s.lastError}
	if s.handle == nil {
		return st
	}
	st.Recording = true
	st.SessionID = s.current.ID
	st.StartedAt = s.startedAt
	st.ElapsedSeconds = time.Since(s.startedAt).Seconds()
	st.SystemDegraded = s.handle.SystemDegraded()
	st.Mixed = s.handle.Mixed()
	if err := s.handle.Err(); err != nil && st.LastError == "" {
		st.LastError = err.Error()
	}
	return st
}

// Devices lists available capture/playback devices.
func (s *RecordingService) Devices() ([]audio.Device, error) {
	return s.engine.ListDevices()
}

// InterruptedRecording exposes the crash-recovery snapshot, if any.
func (s *RecordingService) InterruptedRecording() *session.Snapshot {
	return s.state.InterruptedRecording()
}

// ClearInterrupted acknowledges the interrupted recording. Chunks stay
// in the store for sync or explicit deletion.
func (s *RecordingService) ClearInterrupted() error {
	return s.state.ClearInterrupted()
}
