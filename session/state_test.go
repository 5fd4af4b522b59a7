package session

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// memSnapshotStore — in-memory SnapshotStore для тестов жизненного цикла
type memSnapshotStore struct {
	snap     *Snapshot
	failSave bool
	saves    int
}

func (m *memSnapshotStore) SaveSnapshot(s *Snapshot) error {
	if m.failSave {
		return errors.New("disk full")
	}
	cp := *s
	m.snap = &cp
	m.saves++
	return nil
}

func (m *memSnapshotStore) GetSnapshot() (*Snapshot, error) {
	if m.snap == nil {
		return nil, nil
	}
	cp := *m.snap
	return &cp, nil
}

func (m *memSnapshotStore) ClearSnapshot() error {
	m.snap = nil
	return nil
}

func newTestManager(store SnapshotStore) *StateManager {
	return NewStateManager(store, zap.NewNop().Sugar())
}

func TestBeginPersistsSnapshot(t *testing.T) {
	ms := &memSnapshotStore{}
	m := newTestManager(ms)

	if err := m.Begin("s1", "en"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ms.snap == nil || ms.snap.SessionID != "s1" || ms.snap.Language != "en" {
		t.Fatalf("snapshot not persisted on Begin: %+v", ms.snap)
	}
	if m.State() != StateRecording {
		t.Errorf("state = %v, want recording", m.State())
	}
	if m.CurrentSessionID() != "s1" {
		t.Errorf("CurrentSessionID = %q", m.CurrentSessionID())
	}

	if err := m.Begin("s2", "en"); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Begin = %v, want ErrAlreadyRecording", err)
	}
}

func TestBeginFailsWhenPersistFails(t *testing.T) {
	ms := &memSnapshotStore{failSave: true}
	m := newTestManager(ms)

	if err := m.Begin("s1", "en"); err == nil {
		t.Fatal("Begin succeeded despite persist failure")
	}
	if m.State() != StateIdle {
		t.Errorf("state = %v after failed Begin, want idle", m.State())
	}
}

func TestHeartbeatUpdatesSnapshot(t *testing.T) {
	ms := &memSnapshotStore{}
	m := newTestManager(ms)

	if err := m.Heartbeat(1, nil); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Heartbeat while idle = %v, want ErrNotRecording", err)
	}

	if err := m.Begin("s1", "en"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	counters := map[Channel]uint64{ChannelMixed: 7}
	if err := m.Heartbeat(42.5, counters); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if ms.snap.RecordingSeconds != 42.5 {
		t.Errorf("RecordingSeconds = %v", ms.snap.RecordingSeconds)
	}
	if ms.snap.SequenceCounters[ChannelMixed] != 7 {
		t.Errorf("SequenceCounters = %+v", ms.snap.SequenceCounters)
	}
}

func TestFinishClearsSnapshot(t *testing.T) {
	ms := &memSnapshotStore{}
	m := newTestManager(ms)

	if err := m.Begin("s1", "en"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.BeginStop(); err != nil {
		t.Fatalf("BeginStop: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if ms.snap != nil {
		t.Error("snapshot survived Finish")
	}
	if m.State() != StateIdle {
		t.Errorf("state = %v, want idle", m.State())
	}
	if err := m.BeginStop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("BeginStop while idle = %v, want ErrNotRecording", err)
	}
}

func TestInterruptedDetection(t *testing.T) {
	// Снимок в хранилище при старте процесса = прерванная запись
	ms := &memSnapshotStore{snap: &Snapshot{
		SessionID:        "crashed",
		StartTime:        time.Now().Add(-time.Minute),
		RecordingSeconds: 55,
	}}
	m := newTestManager(ms)

	if err := m.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	snap := m.InterruptedRecording()
	if snap == nil || snap.SessionID != "crashed" {
		t.Fatalf("InterruptedRecording = %+v", snap)
	}

	if err := m.Begin("new", "en"); !errors.Is(err, ErrInterruptedPending) {
		t.Fatalf("Begin with pending interruption = %v, want ErrInterruptedPending", err)
	}

	if err := m.ClearInterrupted(); err != nil {
		t.Fatalf("ClearInterrupted: %v", err)
	}
	if m.InterruptedRecording() != nil {
		t.Error("interrupted recording survived clear")
	}
	if ms.snap != nil {
		t.Error("stored snapshot survived clear")
	}

	if err := m.Begin("new", "en"); err != nil {
		t.Errorf("Begin after clear: %v", err)
	}
}

func TestAbortResetsState(t *testing.T) {
	ms := &memSnapshotStore{}
	m := newTestManager(ms)

	if err := m.Begin("s1", "en"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	m.Abort()
	if m.State() != StateIdle {
		t.Errorf("state = %v after Abort, want idle", m.State())
	}
	if ms.snap != nil {
		t.Error("snapshot survived Abort")
	}
	if err := m.Begin("s2", "en"); err != nil {
		t.Errorf("Begin after Abort: %v", err)
	}
}
