package chat

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"SupportChat/entity"
	"SupportChat/internal/lib/api/response"
)

type OpenSessionResponse struct {
	Session *entity.ChatSession `json:"session"`
	Created bool                `json:"created"`
}

// OpenSession returns the caller's open session, creating one if needed.
func OpenSession(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, logger := requestScope(w, r, log, handler)
		if identity == nil {
			return
		}

		sess, created, err := handler.OpenSession(r.Context(), identity)
		if err != nil {
			fail(w, r, logger, "failed to open session", err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		logger.Debug("session opened", slog.String("session_id", sess.ID), slog.Bool("created", created))
		render.Status(r, status)
		render.JSON(w, r, response.Ok(OpenSessionResponse{Session: sess, Created: created}))
	}
}

func ListSessions(log *slog.Logger, handler Core) http.HandlerFunc {
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

		filter := entity.SessionFilter{
			Status:     entity.SessionStatus(r.URL.Query().Get("status")),
			CustomerID: r.URL.Query().Get("customer_id"),
			Limit:      limit,
			Offset:     offset,
		}
		sessions, err := handler.ListSessions(r.Context(), identity, filter)
		if err != nil {
			fail(w, r, logger, "failed to list sessions", err)
			return
		}

		logger.Debug("sessions listed", slog.Int("count", len(sessions)))
		render.JSON(w, r, response.Ok(sessions))
	}
}

func GetSession(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, logger := requestScope(w, r, log, handler)
		if identity == nil {
			return
		}

		sess, err := handler.GetSession(r.Context(), identity, chi.URLParam(r, "id"))
		if err != nil {
			fail(w, r, logger, "failed to get session", err)
			return
		}
		render.JSON(w, r, response.Ok(sess))
	}
}
