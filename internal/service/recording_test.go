package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"meetsync/audio"
	"meetsync/session"
	"meetsync/store"
)

type fakeHandle struct {
	frags    chan audio.Fragment
	degraded bool
	mixed    bool

	mu      sync.Mutex
	stopped bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{frags: make(chan audio.Fragment, 16)}
}

func (h *fakeHandle) Fragments() <-chan audio.Fragment { return h.frags }
func (h *fakeHandle) SystemDegraded() bool             { return h.degraded }
func (h *fakeHandle) Mixed() bool                      { return h.mixed }
func (h *fakeHandle) Levels() (float64, float64)       { return 0.1, 0.2 }
func (h *fakeHandle) Err() error                       { return nil }

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.stopped = true
		close(h.frags)
	}
	return nil
}

type fakeEngine struct {
	handle   *fakeHandle
	err      error
	acquires int
}

func (e *fakeEngine) Acquire(opts audio.AcquireOptions) (CaptureHandle, error) {
	e.acquires++
	if e.err != nil {
		return nil, e.err
	}
	return e.handle, nil
}

func (e *fakeEngine) ListDevices() ([]audio.Device, error) { return nil, nil }

type fakeRegistrar struct {
	err   error
	calls int
}

func (r *fakeRegistrar) StartSession(ctx context.Context, title, language string, tags []string, scope string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "remote-1", nil
}

type captureNotifier struct {
	NopNotifier
	mu      sync.Mutex
	chunks  chan uint64
	started []bool // degraded flag per start
	recErrs []string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{chunks: make(chan uint64, 32)}
}

func (n *captureNotifier) RecordingStarted(sessionID string, degraded, mixed bool) {
	n.mu.Lock()
	n.started = append(n.started, degraded)
	n.mu.Unlock()
}

func (n *captureNotifier) ChunkStored(sessionID string, ch session.Channel, seq uint64) {
	n.chunks <- seq
}

func (n *captureNotifier) RecordingError(sessionID, message string) {
	n.mu.Lock()
	n.recErrs = append(n.recErrs, message)
	n.mu.Unlock()
}

func newTestRecording(t *testing.T, engine CaptureEngine, registrar RemoteRegistrar, notifier Notifier) (*RecordingService, *store.Store, *session.StateManager) {
	t.Helper()
	logg := zap.NewNop().Sugar()
	st, err := store.Open(t.TempDir(), logg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	state := session.NewStateManager(st, logg)
	if err := state.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	svc := NewRecordingService(st, state, engine, registrar, notifier, 50*time.Millisecond, "en", logg)
	return svc, st, state
}

func waitChunks(t *testing.T, n *captureNotifier, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-n.chunks:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chunk %d", i)
		}
	}
}

func TestRecordingHappyPath(t *testing.T) {
	handle := newFakeHandle()
	engine := &fakeEngine{handle: handle}
	registrar := &fakeRegistrar{}
	notifier := newCaptureNotifier()
	svc, st, state := newTestRecording(t, engine, registrar, notifier)

	id, err := svc.Start(context.Background(), StartOptions{Title: "standup"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.State().Recording {
		t.Fatal("State reports not recording")
	}

	for i := 0; i < 3; i++ {
		handle.frags <- audio.Fragment{Channel: audio.ChannelMicrophone, Samples: []float64{0.1, 0.2}}
	}
	waitChunks(t, notifier, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stoppedID, err := svc.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stoppedID != id {
		t.Errorf("Stop returned %q, want %q", stoppedID, id)
	}

	chunks, err := st.ListChunks(id, session.ChannelMicrophone)
	if err != nil || len(chunks) != 3 {
		t.Fatalf("ListChunks = %d chunks, err %v", len(chunks), err)
	}
	for i, c := range chunks {
		if c.Sequence != uint64(i) {
			t.Errorf("chunk %d sequence = %d", i, c.Sequence)
		}
	}

	sess, err := st.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != session.StatusLocal {
		t.Errorf("status = %s, want local", sess.Status)
	}
	if sess.RemoteID != "remote-1" {
		t.Errorf("RemoteID = %q", sess.RemoteID)
	}
	if sess.Title != "standup" || sess.Language != "en" {
		t.Errorf("session meta: %+v", sess)
	}
	if sess.HasGaps {
		t.Error("clean recording flagged with gaps")
	}
	if state.State() != session.StateIdle {
		t.Errorf("state = %v after stop", state.State())
	}
	if snap, _ := st.GetSnapshot(); snap != nil {
		t.Error("snapshot survived clean stop")
	}
}

func TestStartDeviceUnavailableKeepsSession(t *testing.T) {
	engine := &fakeEngine{err: audio.ErrDeviceUnavailable}
	registrar := &fakeRegistrar{}
	svc, st, state := newTestRecording(t, engine, registrar, NopNotifier{})

	_, err := svc.Start(context.Background(), StartOptions{})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}

	sessions, err := st.ListSessions()
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions = %d, err %v", len(sessions), err)
	}
	if sessions[0].Status != session.StatusLocal {
		t.Errorf("orphan-guard status = %s, want local", sessions[0].Status)
	}
	if state.State() != session.StateIdle {
		t.Errorf("state = %v, want idle", state.State())
	}
}

func TestStartRegistrationFailureDoesNotTouchDevices(t *testing.T) {
	engine := &fakeEngine{handle: newFakeHandle()}
	registrar := &fakeRegistrar{err: errors.New("service unavailable")}
	svc, st, _ := newTestRecording(t, engine, registrar, NopNotifier{})

	if _, err := svc.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatal("Start succeeded despite registration failure")
	}
	if engine.acquires != 0 {
		t.Errorf("devices were opened %d times before registration succeeded", engine.acquires)
	}

	sessions, _ := st.ListSessions()
	if len(sessions) != 1 || sessions[0].Status != session.StatusLocal {
		t.Errorf("session record after failed registration: %+v", sessions)
	}
	if sessions[0].LastSyncError == "" {
		t.Error("registration failure not recorded on session")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	handle := newFakeHandle()
	engine := &fakeEngine{handle: handle}
	registrar := &fakeRegistrar{}
	svc, _, _ := newTestRecording(t, engine, registrar, NopNotifier{})

	if _, err := svc.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.Start(context.Background(), StartOptions{}); !errors.Is(err, session.ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
	if registrar.calls != 1 {
		t.Errorf("registrar called %d times", registrar.calls)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestDegradedSystemAudioReported(t *testing.T) {
	handle := newFakeHandle()
	handle.degraded = true
	engine := &fakeEngine{handle: handle}
	notifier := newCaptureNotifier()
	svc, _, _ := newTestRecording(t, engine, &fakeRegistrar{}, notifier)

	if _, err := svc.Start(context.Background(), StartOptions{SystemAudio: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	notifier.mu.Lock()
	degraded := len(notifier.started) == 1 && notifier.started[0]
	notifier.mu.Unlock()
	if !degraded {
		t.Error("degraded flag not surfaced on start")
	}
	if !svc.State().SystemDegraded {
		t.Error("State does not report degraded capture")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestPersistenceFailureMarksGapsAndContinues(t *testing.T) {
	handle := newFakeHandle()
	engine := &fakeEngine{handle: handle}
	notifier := newCaptureNotifier()
	svc, st, _ := newTestRecording(t, engine, &fakeRegistrar{}, notifier)

	var mu sync.Mutex
	failNext := false
	realAppend := svc.appendChunk
	svc.appendChunk = func(c session.Chunk, payload []byte) error {
		mu.Lock()
		fail := failNext
		failNext = false
		mu.Unlock()
		if fail {
			return errors.New("disk full")
		}
		return realAppend(c, payload)
	}

	id, err := svc.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	handle.frags <- audio.Fragment{Channel: audio.ChannelMicrophone, Samples: []float64{0.1}}
	waitChunks(t, notifier, 1)

	mu.Lock()
	failNext = true
	mu.Unlock()
	handle.frags <- audio.Fragment{Channel: audio.ChannelMicrophone, Samples: []float64{0.2}}
	handle.frags <- audio.Fragment{Channel: audio.ChannelMicrophone, Samples: []float64{0.3}}
	waitChunks(t, notifier, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The sequence did not advance on the failed write, so the stored
	// chunks stay contiguous and assemblable.
	chunks, err := st.ListChunks(id, session.ChannelMicrophone)
	if err != nil || len(chunks) != 2 {
		t.Fatalf("ListChunks = %d, err %v", len(chunks), err)
	}
	if chunks[1].Sequence != 1 {
		t.Errorf("post-failure sequence = %d, want 1", chunks[1].Sequence)
	}
	if _, err := st.Assemble(id, session.ChannelMicrophone); err != nil {
		t.Errorf("Assemble after lost chunk: %v", err)
	}

	sess, _ := st.GetSession(id)
	if !sess.HasGaps {
		t.Error("HasGaps not set after persistence failure")
	}
	notifier.mu.Lock()
	gotErr := len(notifier.recErrs) > 0
	notifier.mu.Unlock()
	if !gotErr {
		t.Error("persistence failure not reported to notifier")
	}
}
