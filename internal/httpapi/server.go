package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/agronomist/internal/agent"
	"github.com/ent0n29/agronomist/internal/config"
	"github.com/ent0n29/agronomist/internal/memory"
	"github.com/ent0n29/agronomist/internal/observability"
	"github.com/ent0n29/agronomist/internal/planning"
	"github.com/ent0n29/agronomist/internal/protocol"
	"github.com/ent0n29/agronomist/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20

	codeSessionEnded = "session_ended"
)

// Controller is the conversational core the API drives, e.g. *agent.Controller.
type Controller interface {
	CreateSession(ctx context.Context, userID string) (*session.Session, error)
	HandleMessage(ctx context.Context, sessionID, text string) (agent.Response, error)
	EndSession(ctx context.Context, sessionID string) (*session.Session, error)
	Context(ctx context.Context, sessionID string) (memory.ContextView, error)
}

// PlanEvents streams planning progress per session, e.g. *planning.Engine.
type PlanEvents interface {
	Subscribe(sessionID string) (<-chan planning.Event, func())
}

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	controller Controller
	planEvents PlanEvents
	metrics    *observability.Metrics
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, controller Controller, planEvents PlanEvents, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		controller: controller,
		planEvents: planEvents,
		metrics:    metrics,
		logger:     logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the serving origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Post("/{id}/messages", s.handleMessage)
		r.Get("/{id}/context", s.handleContext)
		r.Post("/{id}/end", s.handleEndSession)
		r.Get("/{id}/ws", s.handleSessionWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": memory.StoreMode(s.cfg.DatabaseURL),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "controller not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_mode":      memory.StoreMode(s.cfg.DatabaseURL),
		"active_sessions": s.sessions.ActiveCount(),
		"model_mode":      s.cfg.ModelAdapterMode,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.controller.CreateSession(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		s.respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.sessions.Describe(sess))
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	resp, err := s.controller.HandleMessage(r.Context(), id, req.Text)
	if err != nil {
		s.respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	view, err := s.controller.Context(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		s.respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.EndSession(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		s.respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status == session.StatusEnded {
		respondError(w, http.StatusConflict, codeSessionEnded, "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})
	forwardDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runConnection(ctx, sessionID, inbound, outbound)
	}()

	// Subscribe before reading so no plan event of the first message is missed.
	var planEvents <-chan planning.Event
	if s.planEvents != nil {
		events, unsubscribe := s.planEvents.Subscribe(sessionID)
		defer unsubscribe()
		planEvents = events
	}
	go func() {
		defer close(forwardDone)
		forwardPlanEvents(ctx, planEvents, outbound)
	}()

	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
				if ev, ok := msg.(protocol.SystemEvent); ok && ev.Code == codeSessionEnded {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, codeSessionEnded),
						time.Now().Add(wsWriteTimeout))
					cancel()
					return
				}
			}
		}
	}()

	// Unblock the read loop once the connection is torn down from our side.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay single-threaded; drop if the queue is saturated.
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-forwardDone
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// runConnection handles client messages one at a time for a websocket.
func (s *Server) runConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) {
	send := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		}
	}

	for raw := range inbound {
		switch msg := raw.(type) {
		case protocol.UserMessage:
			resp, err := s.controller.HandleMessage(ctx, sessionID, msg.Text)
			if err != nil {
				status, code := classifyError(err)
				send(protocol.ErrorEvent{
					Type:        protocol.TypeErrorEvent,
					SessionID:   sessionID,
					ClientMsgID: msg.ClientMsgID,
					Code:        code,
					Source:      "agent",
					Retryable:   status == http.StatusConflict || status == http.StatusGatewayTimeout,
					Detail:      err.Error(),
				})
				continue
			}
			send(assistantMessage(resp, msg.ClientMsgID))
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionPing:
				send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
			case protocol.ActionEnd:
				if _, err := s.controller.EndSession(ctx, sessionID); err != nil {
					_, code := classifyError(err)
					send(protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: sessionID,
						Code:      code,
						Source:    "agent",
						Detail:    err.Error(),
					})
					continue
				}
				send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: codeSessionEnded})
			}
		}
	}
}

func forwardPlanEvents(ctx context.Context, events <-chan planning.Event, outbound chan<- any) {
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			select {
			case outbound <- planEvent(evt):
			case <-ctx.Done():
				return
			}
		}
	}
}

func assistantMessage(resp agent.Response, clientMsgID string) protocol.AssistantMessage {
	out := protocol.AssistantMessage{
		Type:        protocol.TypeAssistantMessage,
		SessionID:   resp.SessionID,
		ClientMsgID: clientMsgID,
		UserTurnID:  resp.UserTurnID,
		TurnID:      resp.TurnID,
		Text:        resp.Text,
		Intent:      string(resp.Intent.Kind),
	}
	if resp.Plan != nil {
		out.PlanStatus = string(resp.Plan.Status)
		out.PlanReason = string(resp.Plan.Reason)
		out.PlanScore = resp.Plan.Score
	}
	for _, t := range resp.Tools {
		out.Tools = append(out.Tools, t.Tool)
	}
	return out
}

func planEvent(evt planning.Event) protocol.PlanEvent {
	return protocol.PlanEvent{
		Type:      protocol.TypePlanEvent,
		SessionID: evt.SessionID,
		RunID:     evt.RunID,
		Event:     string(evt.Type),
		Iteration: evt.Iteration,
		State:     string(evt.State),
		Score:     evt.Score,
		Status:    string(evt.Status),
		Reason:    string(evt.Reason),
		Detail:    evt.Detail,
		TSMs:      evt.At.UnixMilli(),
	}
}

// classifyError maps controller errors onto HTTP status and error codes.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, memory.ErrSessionNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, memory.ErrInvalidContent):
		return http.StatusUnprocessableEntity, "invalid_content"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, session.ErrEnded):
		return http.StatusConflict, codeSessionEnded
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondControllerError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, code, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
