package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-serve/engine"
)

const (
	defaultMaxTokens = 16

	// statusClientClosedRequest is reported for requests aborted before they finished.
	statusClientClosedRequest = 499
)

// generateRequest is the JSON body for POST /generate.
type generateRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	IgnoreEOS   bool     `json:"ignore_eos"`
	Seed        int64    `json:"seed"`
	Stream      bool     `json:"stream"`
}

func (g generateRequest) params() engine.SamplingParams {
	p := engine.SamplingParams{MaxTokens: defaultMaxTokens, IgnoreEOS: g.IgnoreEOS, Seed: g.Seed}
	if g.MaxTokens != nil {
		p.MaxTokens = *g.MaxTokens
	}
	if g.Temperature != nil {
		p.Temperature = *g.Temperature
	}
	return p
}

// generateResponse holds the prompt followed by its completion.
type generateResponse struct {
	Text         []string `json:"text"`
	RequestID    string   `json:"request_id"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type abortResponse struct {
	RequestID string `json:"request_id"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	stream, err := s.engine.Add(req.Prompt, req.params())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if req.Stream {
		s.streamGenerate(w, r, req.Prompt, stream)
		return
	}

	select {
	case <-stream.Done():
	case <-r.Context().Done():
		// Client went away; nobody will read the result.
		s.engine.Abort(stream.ID())
		logrus.Debugf("client disconnected, aborting %s", stream.ID())
		return
	}
	out, err := stream.Result()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, generateResponse{
		Text:         []string{joinText(req.Prompt, out.Text)},
		RequestID:    out.RequestID,
		FinishReason: out.FinishReason,
	})
}

// streamGenerate writes one JSON object per line with the cumulative text.
func (s *Server) streamGenerate(w http.ResponseWriter, r *http.Request, prompt string, stream *engine.Stream) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logrus.Warnf("set write deadline for stream %s: %v", stream.ID(), err)
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	for {
		select {
		case out, ok := <-stream.Updates():
			if !ok {
				if _, err := stream.Result(); err != nil {
					_ = enc.Encode(map[string]string{"error": err.Error()})
				}
				return
			}
			if err := enc.Encode(generateResponse{
				Text:         []string{joinText(prompt, out.Text)},
				RequestID:    out.RequestID,
				FinishReason: out.FinishReason,
			}); err != nil {
				s.engine.Abort(stream.ID())
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			s.engine.Abort(stream.ID())
			logrus.Debugf("stream client disconnected, aborting %s", stream.ID())
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.engine.Abort(id)
	s.writeJSON(w, http.StatusAccepted, abortResponse{RequestID: id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine.Stats().Halted {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "halted"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// writeEngineError maps engine errors onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrCapacityExceeded):
		secs := int(math.Ceil(s.cfg.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, engine.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrAborted):
		s.writeError(w, statusClientClosedRequest, err.Error())
	case errors.Is(err, engine.ErrExecutorTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, engine.ErrExecutorFatal), errors.Is(err, engine.ErrEngineStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logrus.Errorf("generate: %v", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("encode response: %v", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func joinText(prompt, completion string) string {
	if completion == "" {
		return prompt
	}
	return prompt + " " + completion
}
