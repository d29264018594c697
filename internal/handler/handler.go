// Package handler implements the HTTP entry point from spec.md §4.3: one
// route, POST /v1/chat/completions, that runs the Idempotency Gate and then
// holds the connection open — potentially for hours — until the request's
// RequestRecord reaches a terminal state. Its method-dispatch shape and
// error-envelope writer are grounded on the teacher's ServeHTTP/writeError
// pair (handler.go), generalized from a multi-verb stream protocol to a
// single long-held POST.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/gate"
	"github.com/durable-streams/batchproxy/internal/model"
	"github.com/durable-streams/batchproxy/internal/storekv"
)

// HeaderIdempotencyKey is the required header naming a request's
// idempotency key (spec.md §6).
const HeaderIdempotencyKey = "Idempotency-Key"

// Route is the one inbound HTTP route the system exposes.
const Route = "/v1/chat/completions"

// errorEnvelope is the `{error: {type, message}}` shape spec.md §6 requires
// on failure.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Handler is the Request Handler component. One instance is shared across
// all inbound connections; all per-request state lives in the store.
type Handler struct {
	gate           *gate.Gate
	store          storekv.Store
	logger         *zap.Logger
	handlerTimeout time.Duration
}

func New(g *gate.Gate, store storekv.Store, logger *zap.Logger, handlerTimeout time.Duration) *Handler {
	return &Handler{gate: g, store: store, logger: logger, handlerTimeout: handlerTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	decision, err := h.gate.Check(r.Context(), key, json.RawMessage(body))
	if err != nil {
		if errors.Is(err, gate.ErrMissingIdempotencyKey) {
			h.writeError(w, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required")
			return
		}
		h.logger.Error("idempotency gate failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_unavailable", "request store is unavailable")
		return
	}

	switch decision.Outcome {
	case gate.Return:
		h.respondFromRecord(w, decision.Record)
		return
	case gate.Accepted, gate.Wait:
		h.awaitTerminal(w, r, key, decision.Record)
		return
	}
}

// awaitTerminal implements spec.md §4.3 steps 3-6: subscribe, then re-read
// (read-after-subscribe, covering the race where the record went terminal
// between the gate call and the subscribe call), then wait for wake events
// up to the configured handler lifetime, re-reading on every wake.
func (h *Handler) awaitTerminal(w http.ResponseWriter, r *http.Request, key string, rec *model.RequestRecord) {
	ctx, cancel := context.WithTimeout(r.Context(), h.handlerTimeout)
	defer cancel()

	sub, err := h.store.Subscribe(ctx, key)
	if err != nil {
		h.logger.Error("subscribe failed", zap.String("key", key), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_unavailable", "request store is unavailable")
		return
	}
	defer sub.Close()

	current, err := h.store.GetRequest(ctx, key)
	if err != nil {
		h.logger.Error("re-read after subscribe failed", zap.String("key", key), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_unavailable", "request store is unavailable")
		return
	}
	if current.Status.Terminal() {
		h.respondFromRecord(w, current)
		return
	}

	for {
		if err := sub.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				h.writeError(w, http.StatusGatewayTimeout, "handler_timeout", "still processing; reconnect with the same Idempotency-Key")
				return
			}
			// Client disconnected or context otherwise ended: per spec.md
			// §4.3 step 7, exit without touching the record.
			return
		}

		current, err := h.store.GetRequest(ctx, key)
		if err != nil {
			h.logger.Error("re-read after wake failed", zap.String("key", key), zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "store_unavailable", "request store is unavailable")
			return
		}
		if current.Status.Terminal() {
			h.respondFromRecord(w, current)
			return
		}
	}
}

func (h *Handler) respondFromRecord(w http.ResponseWriter, rec *model.RequestRecord) {
	switch rec.Status {
	case model.StatusCompleted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(rec.Result)
	case model.StatusFailed:
		h.writeError(w, statusForErrorKind(rec.Error.Kind), string(rec.Error.Kind), rec.Error.Message)
	default:
		h.logger.Error("respondFromRecord called on non-terminal record", zap.String("key", rec.Key), zap.String("status", string(rec.Status)))
		h.writeError(w, http.StatusInternalServerError, "store_unavailable", "record was not terminal")
	}
}

func statusForErrorKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrKindDispatchFailed, model.ErrKindBatchFailed, model.ErrKindBatchExpired, model.ErrKindMissingOutput:
		return http.StatusBadGateway
	case model.ErrKindPerRequestError:
		// The upstream rejected this specific line (e.g. content_filter);
		// that's a client-facing 4xx, not a proxy/upstream-availability 5xx.
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, kind, message string) {
	var env errorEnvelope
	env.Error.Type = kind
	env.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(env)
}
