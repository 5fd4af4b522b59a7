package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyRecording — запись уже идёт
	ErrAlreadyRecording = errors.New("session: recording already in progress")
	// ErrNotRecording — операция требует активной записи
	ErrNotRecording = errors.New("session: no active recording")
	// ErrInterruptedPending — найдена прерванная запись, новая запись
	// заблокирована пока пользователь не разберётся с ней
	ErrInterruptedPending = errors.New("session: interrupted recording pending")
)

// State — фаза жизненного цикла записи
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// SnapshotStore — durable хранилище слепка активной записи
type SnapshotStore interface {
	SaveSnapshot(*Snapshot) error
	GetSnapshot() (*Snapshot, error)
	ClearSnapshot() error
}

// StateManager ведёт жизненный цикл записи и её durable-слепок.
// Слепок пишется до того как запись считается начатой, и обновляется
// heartbeat'ом: после падения процесса теряется не больше одного
// интервала метаданных, аудио чанки durable сами по себе.
type StateManager struct {
	store  SnapshotStore
	logger *zap.SugaredLogger

	mu          sync.Mutex
	state       State
	current     *Snapshot
	interrupted *Snapshot
}

func NewStateManager(store SnapshotStore, logger *zap.SugaredLogger) *StateManager {
	return &StateManager{store: store, logger: logger}
}

// Startup проверяет хранилище на слепок незавершённой записи.
// Найденный слепок означает, что процесс упал во время записи: слепок
// откладывается как «прерванная запись» и ждёт решения пользователя.
func (m *StateManager) Startup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.store.GetSnapshot()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		m.interrupted = snap
		m.logger.Warnf("Interrupted recording found: session=%s recorded=%.1fs",
			snap.SessionID, snap.RecordingSeconds)
	}
	return nil
}

// InterruptedRecording возвращает слепок прерванной записи (nil если нет)
func (m *StateManager) InterruptedRecording() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interrupted == nil {
		return nil
	}
	snap := *m.interrupted
	return &snap
}

// ClearInterrupted снимает флаг прерванной записи. Чанки и запись
// сессии остаются в store: решение об их судьбе принимается отдельно
// (синхронизация или удаление).
func (m *StateManager) ClearInterrupted() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interrupted == nil {
		return nil
	}
	if err := m.store.ClearSnapshot(); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	m.interrupted = nil
	return nil
}

// Begin начинает запись. Слепок сохраняется до возврата: упади процесс
// сразу после старта, запись всё равно будет найдена как прерванная.
func (m *StateManager) Begin(sessionID, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interrupted != nil {
		return ErrInterruptedPending
	}
	if m.state != StateIdle {
		return ErrAlreadyRecording
	}

	snap := &Snapshot{
		SessionID:        sessionID,
		StartTime:        time.Now(),
		SequenceCounters: make(map[Channel]uint64),
		Language:         language,
		UpdatedAt:        time.Now(),
	}
	if err := m.store.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	m.current = snap
	m.state = StateRecording
	return nil
}

// Heartbeat обновляет слепок активной записи
func (m *StateManager) Heartbeat(recordingSeconds float64, counters map[Channel]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle || m.current == nil {
		return ErrNotRecording
	}
	m.current.RecordingSeconds = recordingSeconds
	m.current.UpdatedAt = time.Now()
	if counters != nil {
		m.current.SequenceCounters = counters
	}
	if err := m.store.SaveSnapshot(m.current); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// BeginStop переводит запись в фазу остановки
func (m *StateManager) BeginStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecording {
		return ErrNotRecording
	}
	m.state = StateStopping
	return nil
}

// Finish завершает запись чисто: слепок удаляется, сессия больше не
// считается активной.
func (m *StateManager) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return ErrNotRecording
	}
	if err := m.store.ClearSnapshot(); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	m.current = nil
	m.state = StateIdle
	return nil
}

// Abort сбрасывает состояние после неудавшегося старта (устройство не
// поднялось). Ошибки очистки только логируются: состояние процесса
// важнее, а осиротевший слепок будет подхвачен как прерванная запись.
func (m *StateManager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ClearSnapshot(); err != nil {
		m.logger.Errorf("Failed to clear snapshot on abort: %v", err)
	}
	m.current = nil
	m.state = StateIdle
}

// State возвращает текущую фазу
func (m *StateManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSessionID возвращает id активной записи ("" если нет)
func (m *StateManager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.SessionID
}
