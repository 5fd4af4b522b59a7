package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetsync/internal/service"
	"meetsync/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// commandTimeout bounds every remote call triggered from the UI.
const commandTimeout = 30 * time.Second

// Server is the local UI bridge: a websocket for commands and events
// plus a small REST surface for session data and audio download.
// It also implements service.Notifier, fanning service events out to
// every connected client.
type Server struct {
	Recording *service.RecordingService
	Sync      *service.SyncService
	Port      string

	logger  *zap.SugaredLogger
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

func NewServer(rec *service.RecordingService, syncSvc *service.SyncService, port string, logger *zap.SugaredLogger) *Server {
	return &Server{
		Recording: rec,
		Sync:      syncSvc,
		Port:      port,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Start blocks serving HTTP until the listener fails.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/audio", s.handleSessionAudio).Methods(http.MethodGet)

	s.logger.Infof("UI bridge listening on :%s", s.Port)
	return http.ListenAndServe(":"+s.Port, r)
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return
	}
	// The global lock serializes writes: gorilla connections do not
	// allow concurrent writers.
	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Warnf("Websocket write failed, dropping client: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// Notifier implementation: services push, clients receive.

func (s *Server) RecordingStarted(sessionID string, degraded, mixed bool) {
	s.broadcast(Message{Type: "recording_started", SessionID: sessionID, SystemDegraded: degraded, Mixed: mixed})
}

func (s *Server) RecordingStopped(sessionID string, durationSeconds float64) {
	s.broadcast(Message{Type: "recording_stopped", SessionID: sessionID, DurationSeconds: durationSeconds})
}

func (s *Server) AudioLevel(mic, system float64) {
	s.broadcast(Message{Type: "audio_level", MicLevel: mic, SystemLevel: system})
}

func (s *Server) ChunkStored(sessionID string, channel session.Channel, sequence uint64) {
	s.broadcast(Message{Type: "chunk_stored", SessionID: sessionID, Channel: string(channel), Sequence: sequence})
}

func (s *Server) RecordingError(sessionID, message string) {
	s.broadcast(Message{Type: "recording_error", SessionID: sessionID, Error: message})
}

func (s *Server) SyncStatus(sess *session.Session) {
	s.broadcast(Message{Type: "sync_status", SessionID: sess.ID, Session: sess})
}

func (s *Server) JobProgress(sessionID string, job session.SyncJob) {
	s.broadcast(Message{Type: "job_progress", SessionID: sessionID, Job: &job})
}

func (s *Server) InterruptedFound(snap *session.Snapshot) {
	s.broadcast(Message{Type: "interrupted_found", Interrupted: snap})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.processMessage(conn, msg)
	}
}

func (s *Server) reply(conn *websocket.Conn, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warnf("Websocket write failed: %v", err)
	}
}

func (s *Server) replyErr(conn *websocket.Conn, err error) {
	s.reply(conn, Message{Type: "error", Error: err.Error()})
}

func (s *Server) processMessage(conn *websocket.Conn, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch msg.Type {
	case "get_state":
		state := s.Recording.State()
		s.reply(conn, Message{Type: "state", State: &state})

	case "get_devices":
		devices, err := s.Recording.Devices()
		if err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "devices", Devices: devices})

	case "start_recording":
		id, err := s.Recording.Start(ctx, service.StartOptions{
			Title:          msg.Title,
			Language:       msg.Language,
			Tags:           msg.Tags,
			MicDeviceID:    msg.MicDevice,
			SystemDeviceID: msg.SystemDevice,
			SystemAudio:    msg.CaptureSystem,
			DisableMix:     msg.DisableMix,
		})
		if err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "recording_accepted", SessionID: id})

	case "stop_recording":
		id, err := s.Recording.Stop(ctx)
		if err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "stop_accepted", SessionID: id})

	case "get_sessions":
		sessions, err := s.Sync.ListSessions()
		if err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "sessions_list", Sessions: sessions})

	case "get_session":
		sess, err := s.Sync.GetSession(msg.SessionID)
		if err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "session_details", Session: sess})

	case "set_title":
		if err := s.Sync.SetTitle(msg.SessionID, msg.Title); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "session_updated", SessionID: msg.SessionID})

	case "set_tags":
		if err := s.Sync.SetTags(msg.SessionID, msg.Tags); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "session_updated", SessionID: msg.SessionID})

	case "sync_session":
		if err := s.Sync.Sync(ctx, msg.SessionID); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "sync_accepted", SessionID: msg.SessionID})

	case "retry_sync":
		if err := s.Sync.Retry(ctx, msg.SessionID); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "sync_accepted", SessionID: msg.SessionID})

	case "cancel_job":
		if err := s.Sync.CancelJob(ctx, msg.SessionID); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "cancel_accepted", SessionID: msg.SessionID})

	case "delete_audio":
		if err := s.Sync.DeleteAudio(ctx, msg.SessionID); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "audio_deleted", SessionID: msg.SessionID})

	case "delete_session":
		if err := s.Sync.DeleteSessionData(ctx, msg.SessionID); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "session_deleted", SessionID: msg.SessionID})

	case "get_interrupted":
		s.reply(conn, Message{Type: "interrupted", Interrupted: s.Recording.InterruptedRecording()})

	case "clear_interrupted":
		if err := s.Recording.ClearInterrupted(); err != nil {
			s.replyErr(conn, err)
			return
		}
		s.reply(conn, Message{Type: "interrupted_cleared"})

	default:
		s.replyErr(conn, fmt.Errorf("unknown message type: %s", msg.Type))
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Sync.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sync.GetSession(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, sess)
}

// handleSessionAudio serves the stored recording as a playable WAV.
func (s *Server) handleSessionAudio(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wav, err := s.Sync.AudioWAV(id)
	if err != nil {
		if err == service.ErrNoAudioData {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.wav"`, id))
	w.Write(wav)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
