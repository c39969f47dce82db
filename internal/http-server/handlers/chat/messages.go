package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"SupportChat/entity"
	"SupportChat/internal/lib/api/response"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/validate"
)

// History returns the session transcript oldest first.
func History(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, logger := requestScope(w, r, log, handler)
		if identity == nil {
			return
		}

		limit, err := queryInt(r, "limit")
		if err != nil {
			fail(w, r, logger, "invalid query", err)
			return
		}
		offset, err := queryInt(r, "offset")
		if err != nil {
			fail(w, r, logger, "invalid query", err)
			return
		}

		sessionID := chi.URLParam(r, "id")
		messages, err := handler.History(r.Context(), identity, sessionID, limit, offset)
		if err != nil {
			fail(w, r, logger, "failed to load history", err)
			return
		}

		logger.Debug("history loaded", slog.String("session_id", sessionID), slog.Int("count", len(messages)))
		render.JSON(w, r, response.Ok(messages))
	}
}

type SetStatusRequest struct {
	Status entity.SessionStatus `json:"status" validate:"required"`
}

// SetStatus lets an agent close a session.
func SetStatus(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, logger := requestScope(w, r, log, handler)
		if identity == nil {
			return
		}

		var req SetStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, r, logger, "failed to decode request body", chaterr.Validation("invalid request body"))
			return
		}
		if err := validate.Struct(req); err != nil {
			fail(w, r, logger, "invalid request", chaterr.Validation("%v", err))
			return
		}

		sessionID := chi.URLParam(r, "id")
		sess, err := handler.SetStatus(r.Context(), identity, sessionID, req.Status)
		if err != nil {
			fail(w, r, logger, "failed to set session status", err)
			return
		}

		logger.Info("session status updated",
			slog.String("session_id", sessionID),
			slog.String("status", string(sess.Status)),
		)
		render.JSON(w, r, response.Ok(sess))
	}
}
