package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/a2a"
)

// agentCard is the static capability document served publicly at
// /.well-known/agent-card.json (the A2A discovery convention) and, with the
// same shape, at the authenticated /a2a/extendedAgentCard.
type agentCard struct {
	ProtocolVersion     string       `json:"protocolVersion"`
	Name                string       `json:"name"`
	Description         string       `json:"description"`
	URL                 string       `json:"url"`
	Capabilities        capabilities `json:"capabilities"`
	DefaultInputModes   []string     `json:"defaultInputModes"`
	DefaultOutputModes  []string     `json:"defaultOutputModes"`
}

type capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

func (s *server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentCard{
		ProtocolVersion:    "0.3.0",
		Name:               "plexus",
		Description:        "Plexus multi-tenant LLM routing gateway, A2A task surface",
		URL:                "/a2a",
		Capabilities:       capabilities{Streaming: true, PushNotifications: true, StateTransitionHistory: true},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
	})
}

func (s *server) handleExtendedAgentCard(w http.ResponseWriter, r *http.Request) {
	s.handleAgentCard(w, r)
}

type sendMessageRequest struct {
	Message       json.RawMessage `json:"message"`
	AgentID       string          `json:"agentId"`
	ContextID     string          `json:"contextId,omitempty"`
	Configuration *struct {
		IdempotencyKey string `json:"idempotencyKey,omitempty"`
	} `json:"configuration,omitempty"`
}

func (s *server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	task, err := s.deps.A2A.SendMessage(r.Context(), a2a.SendMessageParams{
		OwnerKey:         identity.KeyName,
		OwnerAttribution: identity.Attribution,
		AgentID:          req.AgentID,
		ContextID:        req.ContextID,
		RequestMessage:   body,
		IdempotencyKey:   idempotencyKey(req),
	})
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func idempotencyKey(req sendMessageRequest) string {
	if req.Configuration == nil {
		return ""
	}
	return req.Configuration.IdempotencyKey
}

// handleMessageStream creates (or replays, if idempotent) a task, then
// streams its event log as SSE, auto-closing after 5s idle once the task
// reaches a terminal state (spec.md §5 "Cancellation and timeouts").
func (s *server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	task, err := s.deps.A2A.SendMessage(r.Context(), a2a.SendMessageParams{
		OwnerKey:         identity.KeyName,
		OwnerAttribution: identity.Attribution,
		AgentID:          req.AgentID,
		ContextID:        req.ContextID,
		RequestMessage:   body,
		IdempotencyKey:   idempotencyKey(req),
	})
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}

	s.streamTaskEvents(w, r, identity, task.ID, 0)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	offset, limit := pageParams(r)
	tasks, err := s.deps.A2A.ListTasks(r.Context(), identity.KeyName, identity.IsAdmin, offset, limit)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	task, err := s.deps.A2A.GetTask(r.Context(), identity.KeyName, identity.IsAdmin, chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	var body struct {
		Reason string `json:"reason"`
	}
	if raw, ok := readRequestBody(w, r); ok && len(raw) > 0 {
		json.Unmarshal(raw, &body) //nolint:errcheck
	}
	task, err := s.deps.A2A.CancelTask(r.Context(), identity.KeyName, identity.IsAdmin, chi.URLParam(r, "taskId"), body.Reason)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleSubscribe serves replay+live SSE for a task's event log. The
// resumption point is Last-Event-Id if present, else ?afterSequence=, else
// 0 (full replay).
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	taskID := chi.URLParam(r, "taskId")

	var after int64
	if h := r.Header.Get("Last-Event-Id"); h != "" {
		after, _ = strconv.ParseInt(h, 10, 64)
	} else if q := r.URL.Query().Get("afterSequence"); q != "" {
		after, _ = strconv.ParseInt(q, 10, 64)
	}

	if _, err := s.deps.A2A.GetTask(r.Context(), identity.KeyName, identity.IsAdmin, taskID); err != nil {
		writeError(w, r.Context(), err)
		return
	}

	s.streamTaskEvents(w, r, identity, taskID, after)
}

// idleTimeout is the auto-close window for A2A SSE streams once the task is
// terminal and no further events arrive (spec.md §5).
const idleTimeout = 5 * time.Second

// streamTaskEvents replays events after afterSequence, then subscribes for
// live events, writing each as "id: <seq>\nevent: <type>\ndata: <json>\n\n"
// (spec.md §6 "SSE framing"). Closes after idleTimeout once the task is
// terminal and idle.
func (s *server) streamTaskEvents(w http.ResponseWriter, r *http.Request, identity *gateway.Identity, taskID string, afterSequence int64) {
	ctx := r.Context()

	replay, err := s.deps.A2A.ListTaskEvents(ctx, identity.KeyName, identity.IsAdmin, taskID, afterSequence, 0)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	ch, cancel, err := s.deps.A2A.Subscribe(ctx, identity.KeyName, identity.IsAdmin, taskID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	defer cancel()

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}

	last := afterSequence
	for _, e := range replay {
		writeTaskEvent(w, e)
		last = e.Sequence
	}
	flusher.Flush()

	if task, err := s.deps.A2A.GetTask(ctx, identity.KeyName, identity.IsAdmin, taskID); err == nil && task.Status.State.Terminal() && len(replay) == 0 {
		return
	}

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case e, chOpen := <-ch:
			if !chOpen {
				return
			}
			if e.Sequence <= last {
				continue
			}
			writeTaskEvent(w, e)
			flusher.Flush()
			last = e.Sequence
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)
		case <-idle.C:
			task, err := s.deps.A2A.GetTask(ctx, identity.KeyName, identity.IsAdmin, taskID)
			if err == nil && task.Status.State.Terminal() {
				return
			}
			writeSSEKeepAlive(w)
			flusher.Flush()
			idle.Reset(idleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func writeTaskEvent(w http.ResponseWriter, e gateway.A2ATaskEvent) {
	w.Write([]byte("id: " + strconv.FormatInt(e.Sequence, 10) + "\n"))
	w.Write([]byte("event: " + e.EventType + "\n"))
	w.Write([]byte("data: "))
	w.Write(e.Payload)
	w.Write([]byte("\n\n"))
}

func pageParams(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	return offset, limit
}

type createPushConfigRequest struct {
	Endpoint       string                `json:"endpoint"`
	Authentication *gateway.A2APushAuth  `json:"authentication,omitempty"`
	Metadata       json.RawMessage       `json:"metadata,omitempty"`
}

func (s *server) handleCreatePushConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createPushConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	cfg, err := s.deps.A2A.CreatePushConfig(r.Context(), identity.KeyName, identity.IsAdmin, chi.URLParam(r, "taskId"), a2a.CreatePushConfigParams{
		Endpoint:       req.Endpoint,
		Authentication: req.Authentication,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handleListPushConfigs(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	cfgs, err := s.deps.A2A.ListPushConfigs(r.Context(), identity.KeyName, identity.IsAdmin, chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pushNotificationConfigs": cfgs})
}

func (s *server) handleGetPushConfig(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	cfg, err := s.deps.A2A.GetPushConfig(r.Context(), identity.KeyName, identity.IsAdmin, chi.URLParam(r, "taskId"), chi.URLParam(r, "configId"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handleDeletePushConfig(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if err := s.deps.A2A.DeletePushConfig(r.Context(), identity.KeyName, identity.IsAdmin, chi.URLParam(r, "taskId"), chi.URLParam(r, "configId")); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
