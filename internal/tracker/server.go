package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const maxRequestBodyBytes = 64 << 10

// publishRequest is the body of PUT /v1/peers.
type publishRequest struct {
	UserID *string `json:"user_id,omitempty"`
	IP     string  `json:"ip_address"`
	Port   int     `json:"port"`
}

// backupRequest is the body of POST /v1/channels/{id}/messages.
type backupRequest struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Server exposes a Store over HTTP/JSON.
type Server struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
	mux   *http.ServeMux
}

// NewServer builds the HTTP handler for store.
func NewServer(store Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: store, log: log.Named("tracker.http"), now: time.Now, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("PUT /v1/peers", s.handlePublish)
	s.mux.HandleFunc("GET /v1/peers", s.handleListPeers)

	s.mux.HandleFunc("GET /v1/channels/{id}/members", s.handleMembers)
	s.mux.HandleFunc("PUT /v1/channels/{id}/members/{user}", s.handleAddMember)
	s.mux.HandleFunc("DELETE /v1/channels/{id}/members/{user}", s.handleRemoveMember)

	s.mux.HandleFunc("POST /v1/channels/{id}/messages", s.handleAddMessage)
	s.mux.HandleFunc("GET /v1/channels/{id}/messages", s.handleListMessages)
}

// ServeHTTP applies recovery and request logging around the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("handler panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			writeError(rec, http.StatusInternalServerError, "internal error")
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	}()
	r.Body = http.MaxBytesReader(rec, r.Body, maxRequestBodyBytes)
	s.mux.ServeHTTP(rec, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	// An empty ip_address means "whatever address you see me from".
	if req.IP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.IP = host
		}
	}
	rec, err := s.store.UpsertPeer(r.Context(), PeerRecord{
		IP: req.IP, Port: req.Port, UserID: req.UserID, LastSeen: s.now().UTC(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	within := int(DefaultActiveWithin / time.Minute)
	if v := r.URL.Query().Get("active_within"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid active_within %q", v))
			return
		}
		within = n
	}
	recs, err := s.store.ListPeers(r.Context(), s.now().Add(-time.Duration(within)*time.Minute))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []PeerRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ChannelMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if err := s.store.AddMember(r.Context(), r.PathValue("id"), r.PathValue("user")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveMember(r.Context(), r.PathValue("id"), r.PathValue("user")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}
	msg, err := s.store.AddMessage(r.Context(), MessageRecord{
		ChannelID: r.PathValue("id"),
		UserID:    req.UserID,
		Content:   req.Content,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []MessageRecord{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrInvalidMessage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Warn("store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
