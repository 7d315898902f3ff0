package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/agentproxy/internal/agent"
	"github.com/haasonsaas/agentproxy/internal/apierrors"
)

type healthConfig struct {
	Model    string `json:"model"`
	Project  string `json:"project"`
	Location string `json:"location"`
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Config  healthConfig `json:"config"`
	Tools   int          `json:"tools"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Config: healthConfig{
			Model:    s.cfg.Model,
			Project:  s.cfg.Project,
			Location: s.cfg.Location,
		},
	}
	if s.toolCount != nil {
		resp.Tools = s.toolCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": fmt.Sprintf("Endpoint not found: %s %s", r.Method, r.URL.Path),
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, envelope := decodeChatRequest(r.Body)
	if envelope != nil {
		writeJSON(w, http.StatusBadRequest, envelope)
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.Model
	}

	if req.Stream {
		s.streamCompletion(w, r, req)
		return
	}

	resp, err := s.completer.Complete(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.DebugContext(r.Context(), "client went away before completion", "error", err)
			return
		}
		writeJSON(w, apierrors.HTTPStatus(err), apierrors.ToErrorEnvelope(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *agent.ChatRequest) {
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flush(w)

	for chunk, err := range s.completer.Stream(r.Context(), req) {
		if err != nil {
			if werr := writeSSE(w, apierrors.ToStreamErrorEvent(err)); werr != nil {
				s.logger.DebugContext(r.Context(), "failed to write stream error event", "error", werr)
			}
			return
		}
		if werr := writeSSE(w, newWireChunk(chunk)); werr != nil {
			s.logger.DebugContext(r.Context(), "stream client went away", "error", werr)
			return
		}
	}
	if err := writeSSEDone(w); err != nil {
		s.logger.DebugContext(r.Context(), "failed to write stream terminator", "error", err)
	}
}

// decodeChatRequest validates the body before decoding it so the error can
// name the offending field.
func decodeChatRequest(body io.Reader) (*agent.ChatRequest, *apierrors.Envelope) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
	if err != nil {
		env := apierrors.InvalidRequest("Failed to read request body: "+err.Error(), "")
		return nil, &env
	}
	if len(data) > maxBodyBytes {
		env := apierrors.InvalidRequest("Request body is too large", "")
		return nil, &env
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		env := apierrors.InvalidRequest("Invalid JSON in request body: "+err.Error(), "")
		return nil, &env
	}

	messages, ok := fields["messages"]
	if !ok {
		env := apierrors.InvalidRequest("Missing required field: messages", "messages")
		return nil, &env
	}
	var list []json.RawMessage
	trimmed := bytes.TrimSpace(messages)
	if len(trimmed) == 0 || trimmed[0] != '[' || json.Unmarshal(trimmed, &list) != nil {
		env := apierrors.InvalidRequest("Field 'messages' must be an array", "messages")
		return nil, &env
	}
	if len(list) == 0 {
		env := apierrors.InvalidRequest("Field 'messages' must be a non-empty array", "messages")
		return nil, &env
	}

	var req agent.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		param := ""
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			param = typeErr.Field
		}
		env := apierrors.InvalidRequest("Invalid request body: "+err.Error(), param)
		return nil, &env
	}
	return &req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
