package session

import (
	"time"
)

// Status представляет состояние синхронизации сессии
type Status string

const (
	// StatusLocal — записано локально, отправка не начиналась
	StatusLocal Status = "local"
	// StatusQueued — в процессе отправки/обработки, либо ждёт ручного ретрая
	StatusQueued Status = "queued"
	// StatusSent — загружено и обработано удалённым сервисом
	StatusSent Status = "sent"
	// StatusError — отправка или обработка завершилась ошибкой
	StatusError Status = "error"
)

// Channel — источник аудио для чанка
type Channel string

const (
	ChannelMicrophone Channel = "microphone"
	ChannelSystem     Channel = "system"
	ChannelMixed      Channel = "mixed"
)

// Channels — все каналы в фиксированном порядке (для перебора в store/sync)
var Channels = []Channel{ChannelMicrophone, ChannelSystem, ChannelMixed}

// Phase — фаза удалённой обработки (совпадает с фазами сервиса)
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhaseTranscribing Phase = "transcribing"
	PhaseSummarizing  Phase = "summarizing"
	PhaseFinalizing   Phase = "finalizing"
	PhaseDone         Phase = "done"
	PhaseError        Phase = "error"
	PhaseCanceled     Phase = "canceled"
)

// Terminal сообщает, является ли фаза конечной (дальше мутаций нет)
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError || p == PhaseCanceled
}

// phaseRank — порядок фаз для отбрасывания «регрессий» из сети
var phaseRank = map[Phase]int{
	PhaseQueued:       0,
	PhaseTranscribing: 1,
	PhaseSummarizing:  2,
	PhaseFinalizing:   3,
	PhaseDone:         4,
	PhaseError:        4,
	PhaseCanceled:     4,
}

// Rank возвращает порядковый номер фазы (неизвестная фаза = -1)
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Session — одна попытка записи встречи
type Session struct {
	ID              string    `json:"id"`
	RemoteID        string    `json:"remoteId,omitempty"`
	Title           string    `json:"title,omitempty"`
	Language        string    `json:"language"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	Tags            []string  `json:"tags,omitempty"`
	Status          Status    `json:"status"`

	// HasGaps — хотя бы один чанк не удалось сохранить (PersistenceFailure)
	HasGaps bool `json:"hasGaps,omitempty"`

	// Результат последней попытки синхронизации
	LastSyncError string `json:"lastSyncError,omitempty"`
	SyncRetryable bool   `json:"syncRetryable,omitempty"`
}

// Chunk — метаданные одного фрагмента аудио; байты лежат в store
type Chunk struct {
	SessionID string    `json:"sessionId"`
	Channel   Channel   `json:"channel"`
	Sequence  uint64    `json:"sequence"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// SyncJob — хэндл удалённой обработки после загрузки аудио
type SyncJob struct {
	JobID      string  `json:"jobId"`
	SessionID  string  `json:"sessionId,omitempty"`
	Phase      Phase   `json:"phase"`
	Progress   float64 `json:"progress"`
	ETASeconds float64 `json:"etaSeconds,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Snapshot — минимальный durable-слепок активной записи для crash-recovery.
// Аудио сюда не входит: чанки и так durable через store.
type Snapshot struct {
	SessionID        string             `json:"sessionId"`
	StartTime        time.Time          `json:"startTime"`
	RecordingSeconds float64            `json:"recordingSeconds"`
	SequenceCounters map[Channel]uint64 `json:"sequenceCounters"`
	Language         string             `json:"language"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}
