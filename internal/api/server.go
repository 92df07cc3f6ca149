// Package api implements the HTTP façade over the mail sync core: a
// filtered message feed, tag/folder aggregates, the mutation ops the
// UI drives (update_tags, mark_read, trash, restore, permanent_delete,
// trigger_sync, send), and an /events WebSocket that streams sync
// progress and classification events as they happen.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/buildinfo"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/events"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/health"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/pendingops"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/store"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/syncengine"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	store   *store.Store
	engine  *syncengine.Engine
	pending *pendingops.Queue
	health  *health.Tracker
	bus     *events.Bus
	logger  *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new API server over the mail sync core's shared
// components. All of them are required except logger, which defaults
// to slog.Default().
func NewServer(address string, port int, st *store.Store, eng *syncengine.Engine, pq *pendingops.Queue, ht *health.Tracker, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		store:   st,
		engine:  eng,
		pending: pq,
		health:  ht,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The façade is consumed by a local/trusted UI, not a
			// public origin; allow any origin rather than maintain an
			// allowlist no deployment actually needs.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving HTTP requests. Blocks until the server is shut
// down or encounters an error.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /v1/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("GET /v1/messages/{id}/body", s.handleGetBody)
	mux.HandleFunc("POST /v1/messages/{id}/tags", s.handleUpdateTags)
	mux.HandleFunc("POST /v1/messages/{id}/read", s.handleMarkRead)
	mux.HandleFunc("POST /v1/messages/{id}/trash", s.handleTrash)
	mux.HandleFunc("POST /v1/messages/{id}/restore", s.handleRestore)
	mux.HandleFunc("DELETE /v1/messages/{id}", s.handlePermanentDelete)

	mux.HandleFunc("GET /v1/tags", s.handleListTags)
	mux.HandleFunc("GET /v1/folders", s.handleFolderSummary)
	mux.HandleFunc("GET /v1/search", s.handleSearch)

	mux.HandleFunc("POST /v1/sync", s.handleTriggerSync)
	mux.HandleFunc("POST /v1/send", s.handleSend)

	mux.HandleFunc("GET /events", s.handleEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "mailwarden",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth reports each configured account's readiness, driven by
// health.Tracker rather than a bare liveness check — an account with
// expired Gmail OAuth credentials should show up here, not just in logs.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "ok",
		"accounts": s.health.All(),
	}, s.logger)
}

// messageView is the JSON representation of a message merged with its
// classification, if one exists.
type messageView struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	ThreadID   string    `json:"thread_id"`
	Folder     string    `json:"folder"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"received_at"`
	IsRead     bool      `json:"is_read"`
	IsTrashed  bool      `json:"is_trashed"`

	Tags           []string `json:"tags,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	ActionRequired bool     `json:"action_required,omitempty"`
	CanArchive     bool     `json:"can_archive,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
}

func (s *Server) toView(m *store.Message) messageView {
	v := messageView{
		ID:         m.ID,
		AccountID:  m.AccountID,
		ThreadID:   m.ThreadID,
		Folder:     m.Folder,
		From:       m.From,
		To:         m.To,
		Subject:    m.Subject,
		Snippet:    m.Snippet,
		ReceivedAt: m.ReceivedAt,
		IsRead:     m.IsRead,
		IsTrashed:  m.IsTrashed,
	}
	if c, err := s.store.GetClassification(m.ID); err == nil && c != nil {
		v.Tags = c.Tags
		v.Priority = c.Priority
		v.ActionRequired = c.ActionRequired
		v.CanArchive = c.CanArchive
		v.Confidence = c.Confidence
	}
	return v
}

// handleListMessages handles GET /v1/messages, filtering by
// account_id, folder, thread_id, tag, and unread_only query params.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		AccountID:  q.Get("account_id"),
		Folder:     q.Get("folder"),
		ThreadID:   q.Get("thread_id"),
		Tag:        q.Get("tag"),
		UnreadOnly: q.Get("unread_only") == "true",
		Limit:      parseIntParam(r, "limit", 50),
		Offset:     parseIntParam(r, "offset", 0),
	}

	messages, err := s.store.ListMessages(f)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list messages: "+err.Error())
		return
	}

	views := make([]messageView, len(messages))
	for i, m := range messages {
		views[i] = s.toView(m)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": views, "count": len(views)}, s.logger)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMessage(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.toView(m), s.logger)
}

// handleGetBody handles GET /v1/messages/{id}/body, fetching the full
// text/HTML body from the provider on demand rather than from the
// local store, which only ever holds a snippet.
func (s *Server) handleGetBody(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMessage(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}

	body, err := s.engine.FetchBody(r.Context(), m.AccountID, id)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, "fetch body: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMessage(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}

	var req updateTagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.UpdateTags(r.Context(), m.AccountID, id, req.Tags); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "update tags: "+err.Error())
		return
	}

	m, err = s.store.GetMessage(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "reload message: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.toView(m), s.logger)
}

type markReadRequest struct {
	IsUnread bool `json:"is_unread"`
}

// handleMarkRead handles POST /v1/messages/{id}/read. It updates the
// local read state synchronously, then enqueues the matching provider
// op (mark_read or mark_unread, cancel/coalesced per pendingops rules).
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMessage(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}

	var req markReadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	op := "mark_read"
	isRead := true
	if req.IsUnread {
		op = "mark_unread"
		isRead = false
	}

	if err := s.store.UpdateMessage(id, &isRead, nil); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "update message: "+err.Error())
		return
	}
	if _, err := s.pending.Enqueue(r.Context(), m.AccountID, id, op); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "enqueue op: "+err.Error())
		return
	}

	m, _ = s.store.GetMessage(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.toView(m), s.logger)
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	s.applyMoveOp(w, r, "trash", true)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.applyMoveOp(w, r, "restore", false)
}

// applyMoveOp shares the trash/restore handling: both update the local
// is_trashed flag synchronously and enqueue their matching op, only
// differing in the op name and the flag's new value.
func (s *Server) applyMoveOp(w http.ResponseWriter, r *http.Request, op string, trashed bool) {
	id := r.PathValue("id")
	m, err := s.store.GetMessage(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}

	if err := s.store.UpdateMessage(id, nil, &trashed); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "update message: "+err.Error())
		return
	}
	if _, err := s.pending.Enqueue(r.Context(), m.AccountID, id, op); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "enqueue op: "+err.Error())
		return
	}

	m, _ = s.store.GetMessage(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.toView(m), s.logger)
}

// handlePermanentDelete handles DELETE /v1/messages/{id}. The row is
// not removed from the store until the pending op drains and the
// provider confirms the delete; this only marks it trashed and queues
// the irrecoverable op.
func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMessage(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}

	trashed := true
	if err := s.store.UpdateMessage(id, nil, &trashed); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "update message: "+err.Error())
		return
	}
	if _, err := s.pending.Enqueue(r.Context(), m.AccountID, id, "permanent_delete"); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "enqueue op: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		s.errorResponse(w, http.StatusBadRequest, "account_id is required")
		return
	}
	counts, err := s.store.ListTagsWithCounts(accountID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list tags: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tags": counts}, s.logger)
}

func (s *Server) handleFolderSummary(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		s.errorResponse(w, http.StatusBadRequest, "account_id is required")
		return
	}
	summary, err := s.store.FolderSummary(accountID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "folder summary: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"folders": summary}, s.logger)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	query := r.URL.Query().Get("q")
	if accountID == "" || query == "" {
		s.errorResponse(w, http.StatusBadRequest, "account_id and q are required")
		return
	}
	limit := parseIntParam(r, "limit", 50)

	messages, err := s.store.SearchMessages(accountID, query, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "search: "+err.Error())
		return
	}
	views := make([]messageView, len(messages))
	for i, m := range messages {
		views[i] = s.toView(m)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": views, "count": len(views)}, s.logger)
}

type triggerSyncRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

// handleTriggerSync handles POST /v1/sync. An empty or absent
// account_id triggers every registered account.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.AccountID == "" {
		s.engine.TriggerAll()
	} else {
		s.engine.Trigger(req.AccountID)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "triggered", "account_id": req.AccountID}, s.logger)
}

type sendRequest struct {
	AccountID string   `json:"account_id"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || len(req.To) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "account_id and to are required")
		return
	}

	msg := provider.OutgoingMessage{To: req.To, Cc: req.Cc, Subject: req.Subject, Body: req.Body}
	if err := s.engine.Send(r.Context(), req.AccountID, msg); err != nil {
		s.errorResponse(w, http.StatusBadGateway, "send: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "sent"}, s.logger)
}

// pingInterval is how often handleEvents pings the client to detect a
// dead connection before the TCP stack would notice on its own.
const pingInterval = 30 * time.Second

// handleEvents upgrades GET /events to a WebSocket and streams every
// events.Bus publication to the client as JSON until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(sub)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})

	// A dedicated reader goroutine drains and discards client frames
	// (pongs, and any close frame) so the connection's read deadline
	// keeps getting reset; this handler never expects inbound messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * pingInterval))

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
