package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tmarkov/botsmith/internal/botsmith/orchestrator"
	"github.com/tmarkov/botsmith/internal/botsmith/store"
	"github.com/tmarkov/botsmith/internal/botsmith/token"
)

// maxRequestBytes caps control-plane request bodies.
const maxRequestBytes = 1 * 1024 * 1024

// Lifecycle actions accepted by POST /api/v1/dispatch.
const (
	ActionStart          = "start"
	ActionStop           = "stop"
	ActionRestart        = "restart"
	ActionLogs           = "logs"
	ActionProcessWebhook = "process_webhook"
)

type dispatchRequest struct {
	Action  string          `json:"action"`
	BotID   string          `json:"botId"`
	OwnerID string          `json:"ownerId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dispatchResponse struct {
	Success      bool     `json:"success"`
	Logs         []string `json:"logs,omitempty"`
	ContainerRef string   `json:"containerRef,omitempty"`
	Delivered    bool     `json:"delivered,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// handleDispatch implements the single action-oriented lifecycle endpoint.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.BotID == "" {
		writeError(w, http.StatusBadRequest, "botId is required")
		return
	}

	ctx := r.Context()
	var res orchestrator.Result
	var err error

	switch req.Action {
	case ActionStart:
		res, err = s.orch.Start(ctx, req.BotID, req.OwnerID)
	case ActionStop:
		res, err = s.orch.Stop(ctx, req.BotID)
	case ActionRestart:
		res, err = s.orch.Restart(ctx, req.BotID, req.OwnerID)
	case ActionLogs:
		res, err = s.orch.Logs(ctx, req.BotID, req.OwnerID)
	case ActionProcessWebhook:
		out := s.updates.HandleUpdate(ctx, req.BotID, req.Payload)
		writeJSON(w, http.StatusOK, dispatchResponse{
			Success:   true,
			Delivered: out.Delivered,
			Reason:    out.Reason,
		})
		return
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+req.Action)
		return
	}

	if err != nil {
		status := http.StatusInternalServerError
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, dispatchResponse{
			Success: false,
			Logs:    res.Logs,
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, dispatchResponse{
		Success:      true,
		Logs:         res.Logs,
		ContainerRef: res.ContainerRef,
	})
}

// handleBotAction adapts the per-bot REST aliases (POST /bots/{botID}/start
// and friends) onto the dispatch logic. The owner comes from the ownerId
// query parameter.
func (s *Server) handleBotAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		botID := chi.URLParam(r, "botID")
		ownerID := r.URL.Query().Get("ownerId")

		ctx := r.Context()
		var res orchestrator.Result
		var err error
		switch action {
		case ActionStart:
			res, err = s.orch.Start(ctx, botID, ownerID)
		case ActionStop:
			res, err = s.orch.Stop(ctx, botID)
		case ActionRestart:
			res, err = s.orch.Restart(ctx, botID, ownerID)
		case ActionLogs:
			res, err = s.orch.Logs(ctx, botID, ownerID)
		}

		if err != nil {
			status := http.StatusInternalServerError
			var verr *orchestrator.ValidationError
			if errors.As(err, &verr) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, dispatchResponse{Success: false, Logs: res.Logs, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dispatchResponse{
			Success:      true,
			Logs:         res.Logs,
			ContainerRef: res.ContainerRef,
		})
	}
}

type registerBotRequest struct {
	ID      string `json:"id,omitempty"`
	OwnerID string `json:"ownerId"`
	Token   string `json:"token"`
}

type botResponse struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	RuntimeStatus string `json:"runtimeStatus"`
	ContainerRef  string `json:"containerRef,omitempty"`
	IngressURL    string `json:"ingressUrl,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func botToResponse(b *store.Bot) botResponse {
	resp := botResponse{
		ID:            b.ID,
		OwnerID:       b.OwnerID,
		RuntimeStatus: b.RuntimeStatus,
		CreatedAt:     b.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if b.ContainerRef.Valid {
		resp.ContainerRef = b.ContainerRef.String
	}
	if b.IngressURL.Valid {
		resp.IngressURL = b.IngressURL.String
	}
	return resp
}

// handleBotRegister implements POST /api/v1/bots.
func (s *Server) handleBotRegister(w http.ResponseWriter, r *http.Request) {
	var req registerBotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	if err := token.Validate(req.Token); err != nil {
		writeError(w, http.StatusBadRequest, "token invalid: "+err.Error())
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	bot := &store.Bot{
		ID:         id,
		OwnerID:    req.OwnerID,
		Credential: req.Token,
		SourceRef:  req.OwnerID + "/" + id,
	}
	if err := s.store.CreateBot(r.Context(), bot); err != nil {
		slog.Error("register bot failed", "bot", id, "err", err)
		writeError(w, http.StatusConflict, "bot could not be registered")
		return
	}

	writeJSON(w, http.StatusCreated, botToResponse(bot))
}

// handleBotList implements GET /api/v1/bots.
func (s *Server) handleBotList(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		slog.Error("list bots failed", "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	resp := make([]botResponse, 0, len(bots))
	for _, b := range bots {
		resp = append(resp, botToResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBotGet implements GET /api/v1/bots/{botID}.
func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	bot, err := s.store.GetBot(r.Context(), botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, botToResponse(bot))
}

// handleBotDelete implements DELETE /api/v1/bots/{botID}. Stop and delete
// run as one lifecycle operation under the bot's lock so no instance can
// outlive its record.
func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	if _, err := s.orch.Remove(r.Context(), botID); err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) || errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		slog.Error("delete bot failed", "bot", botID, "err", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executionResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	StartedAt string `json:"startedAt"`
	StoppedAt string `json:"stoppedAt,omitempty"`
	ExitCode  *int64 `json:"exitCode,omitempty"`
}

// handleBotExecutions implements GET /api/v1/bots/{botID}/executions.
func (s *Server) handleBotExecutions(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")
	if _, err := s.store.GetBot(r.Context(), botID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	execs, err := s.store.ListExecutions(r.Context(), botID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	resp := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		er := executionResponse{
			ID:        e.ID,
			Status:    e.Status,
			StartedAt: e.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if e.StoppedAt.Valid {
			er.StoppedAt = e.StoppedAt.Time.UTC().Format("2006-01-02T15:04:05Z")
		}
		if e.ExitCode.Valid {
			code := e.ExitCode.Int64
			er.ExitCode = &code
		}
		resp = append(resp, er)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebhook implements POST /webhook/{botID}. It always answers 200 so
// the messaging platform never retry-storms the control plane; the real
// outcome lives in the response body and the bot's event trail.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botID")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		payload = nil
	}

	out := s.updates.HandleUpdate(r.Context(), botID, payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"delivered": out.Delivered,
		"reason":    out.Reason,
	})
}

// --- JSON helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
