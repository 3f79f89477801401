package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
	"chatsync/pkg/circuitbreaker"
)

// ChatService is the session surface exposed over the local control API.
type ChatService interface {
	Conversations(ctx context.Context, query string) ([]models.Conversation, error)
	ActiveConversationID(ctx context.Context) (string, error)
	SetActive(ctx context.Context, conversationID string) error
	Groups(ctx context.Context) ([]models.MessageGroup, error)
	LoadOlder(ctx context.Context) (int, error)
	Send(ctx context.Context, draft models.Draft) (models.Message, error)
	Edit(ctx context.Context, messageID, content string) (models.Message, error)
	Delete(ctx context.Context, messageID string) (models.Message, error)
	TogglePin(ctx context.Context, messageID string) (models.Message, error)
	Mount(ctx context.Context, elementRef any, messageID string) error
	Unmount(messageID string)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// ViewportReporter receives intersection ratios from the rendering layer.
type ViewportReporter interface {
	Report(id string, ratio float64)
}

// ConnectionState reports whether the push channel is live.
type ConnectionState interface {
	Connected() bool
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	chat     ChatService
	viewport ViewportReporter
	push     ConnectionState
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Registry
	server   *http.Server
}

func NewServer(chat ChatService, viewport ViewportReporter, push ConnectionState, breaker *circuitbreaker.CircuitBreaker, reg *metrics.Registry, logger *logrus.Logger) *Server {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		chat:     chat,
		viewport: viewport,
		push:     push,
		breaker:  breaker,
		metrics:  reg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.metrics))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/presence", s.handlePresence()).Methods(http.MethodGet)

	conv := s.router.PathPrefix("/conversations").Subrouter()
	conv.HandleFunc("", s.handleConversations()).Methods(http.MethodGet)
	conv.HandleFunc("/active", s.handleGetActive()).Methods(http.MethodGet)
	conv.HandleFunc("/active", s.handleSetActive()).Methods(http.MethodPut)
	conv.HandleFunc("/active/groups", s.handleGroups()).Methods(http.MethodGet)
	conv.HandleFunc("/active/older", s.handleLoadOlder()).Methods(http.MethodPost)

	msgs := s.router.PathPrefix("/messages").Subrouter()
	msgs.HandleFunc("", s.handleSend()).Methods(http.MethodPost)
	msgs.HandleFunc("/{id}", s.handleEdit()).Methods(http.MethodPatch)
	msgs.HandleFunc("/{id}", s.handleDelete()).Methods(http.MethodDelete)
	msgs.HandleFunc("/{id}/pin", s.handleTogglePin()).Methods(http.MethodPost)

	vp := s.router.PathPrefix("/viewport").Subrouter()
	vp.HandleFunc("/{id}", s.handleMount()).Methods(http.MethodPut)
	vp.HandleFunc("/{id}", s.handleUnmount()).Methods(http.MethodDelete)
	vp.HandleFunc("/{id}/ratio", s.handleRatio()).Methods(http.MethodPost)
}

func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = constants.DefaultStatusListenAddr
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting control API on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

type statusResponse struct {
	ActiveConversationID string                `json:"activeConversationId"`
	PushConnected        bool                  `json:"pushConnected"`
	Breaker              *circuitbreaker.Stats `json:"breaker,omitempty"`
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := s.chat.ActiveConversationID(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		resp := statusResponse{ActiveConversationID: active}
		if s.push != nil {
			resp.PushConnected = s.push.Connected()
		}
		if s.breaker != nil {
			stats := s.breaker.GetStats()
			resp.Breaker = &stats
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handlePresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online, err := s.chat.OnlineUsers(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string][]string{"online": online})
	}
}

func (s *Server) handleConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := s.chat.Conversations(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if convs == nil {
			convs = []models.Conversation{}
		}
		s.writeJSON(w, http.StatusOK, convs)
	}
}

func (s *Server) handleGetActive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.chat.ActiveConversationID(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

type setActiveRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSetActive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setActiveRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.chat.SetActive(r.Context(), req.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGroups() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := s.chat.Groups(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if groups == nil {
			groups = []models.MessageGroup{}
		}
		s.writeJSON(w, http.StatusOK, groups)
	}
}

func (s *Server) handleLoadOlder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.chat.LoadOlder(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"loaded": n})
	}
}

type sendRequest struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	ReceiverName   string `json:"receiverName"`
	Content        string `json:"content"`
	AttachmentPath string `json:"attachmentPath"`
}

func (req sendRequest) draft() models.Draft {
	d := models.Draft{
		ConversationID: req.ConversationID,
		Receiver:       models.Sender{ID: req.ReceiverID, DisplayName: req.ReceiverName},
		Content:        req.Content,
	}
	if req.AttachmentPath != "" {
		d.Attachment = &models.Attachment{Path: req.AttachmentPath}
	}
	return d
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !s.decode(w, r, &req) {
			return
		}
		msg, err := s.chat.Send(r.Context(), req.draft())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, msg)
	}
}

type editRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEdit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editRequest
		if !s.decode(w, r, &req) {
			return
		}
		msg, err := s.chat.Edit(r.Context(), mux.Vars(r)["id"], req.Content)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.chat.Delete(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleTogglePin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.chat.TogglePin(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, msg)
	}
}

// handleMount registers a rendered message. The element reference is the
// message id itself since the control API has no rendering handles.
func (s *Server) handleMount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.chat.Mount(r.Context(), id, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleUnmount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.chat.Unmount(mux.Vars(r)["id"])
		w.WriteHeader(http.StatusNoContent)
	}
}

type ratioRequest struct {
	Ratio float64 `json:"ratio"`
}

func (s *Server) handleRatio() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ratioRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Ratio < 0 || req.Ratio > 1 {
			s.writeError(w, r, errors.NewValidationError("ratio", "must be between 0 and 1"))
			return
		}
		if s.viewport != nil {
			s.viewport.Report(mux.Vars(r)["id"], req.Ratio)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, errors.NewValidationError("body", "invalid JSON body"))
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	status := statusFor(code)

	entry := s.logger.WithFields(tracing.Fields(r.Context())).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Warn("Control request failed")
	} else {
		entry.Debug("Control request rejected")
	}

	s.writeJSON(w, status, errorResponse{Error: errors.GetUserMessage(err), Code: string(code)})
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodePersistence:
		return http.StatusBadGateway
	case errors.ErrCodeCircuitOpen, errors.ErrCodeChannelClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
