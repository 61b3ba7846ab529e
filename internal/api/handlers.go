package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// maxBodyBytes bounds request bodies accepted by the JSON endpoints.
const maxBodyBytes = 1 << 20

type operatorMessageRequest struct {
	Text string `json:"text"`
}

type renameStepRequest struct {
	NewID string `json:"new_id"`
}

type publishFlowResult struct {
	FlowID  string `json:"flow_id"`
	Version int    `json:"version"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConversationNotFound),
		errors.Is(err, models.ErrFlowNotFound),
		errors.Is(err, models.ErrStepNotFound),
		errors.Is(err, models.ErrNoActiveFlow):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConversationClosed):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidFlow):
		return http.StatusUnprocessableEntity
	case models.IsPersistenceError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: invalid request body", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// inboundHandler accepts a gateway message. Duplicates are acknowledged with 200 so
// the gateway stops redelivering them.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if !decodeJSON(w, r, &msg) {
		return
	}
	res, err := s.engine.HandleInbound(r.Context(), msg)
	if err != nil {
		if statusFor(err) >= http.StatusInternalServerError {
			slog.Error("Server.inboundHandler: failed to handle inbound message", "messageID", msg.MessageID, "error", err)
		}
		writeError(w, err)
		return
	}
	if res.Duplicate {
		writeJSONResponse(w, http.StatusOK, models.Duplicate())
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(res))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.engine.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

func (s *Server) closeConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.engine.CloseConversation(r.Context(), id)
	if err != nil {
		slog.Warn("Server.closeConversationHandler: close failed", "conversationID", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation closed", conv))
}

func (s *Server) operatorMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req operatorMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.SendOperatorMessage(r.Context(), id, req.Text); err != nil {
		slog.Warn("Server.operatorMessageHandler: send failed", "conversationID", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(map[string]string{"conversation_id": id}))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.registry.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) publishFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if !decodeJSON(w, r, &f) {
		return
	}
	if err := f.Validate(); err != nil {
		writeError(w, err)
		return
	}
	version, err := s.registry.Publish(r.Context(), &f)
	if err != nil {
		slog.Error("Server.publishFlowHandler: publish failed", "flowID", f.ID, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.publishFlowHandler: flow published", "flowID", f.ID, "version", version)
	writeJSONResponse(w, http.StatusOK, models.Success(publishFlowResult{FlowID: f.ID, Version: version}))
}

func (s *Server) renameStepHandler(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	stepID := chi.URLParam(r, "stepID")
	var req renameStepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	newID := strings.TrimSpace(req.NewID)
	if newID == "" {
		writeError(w, &models.ValidationError{Field: "new_id", Reason: "new step id is required"})
		return
	}
	if err := s.registry.RenameStep(r.Context(), flowID, stepID, newID); err != nil {
		slog.Warn("Server.renameStepHandler: rename failed", "flowID", flowID, "stepID", stepID, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.renameStepHandler: step renamed", "flowID", flowID, "from", stepID, "to", newID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step renamed", map[string]string{"flow_id": flowID, "step_id": newID}))
}
