package chat

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"SupportChat/entity"
	"SupportChat/internal/lib/api/cont"
	"SupportChat/internal/lib/api/response"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
)

// fail maps err onto the status code of its kind.
func fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, message string, err error) {
	status := chaterr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(message, sl.Err(err))
	} else {
		logger.Debug(message, sl.Err(err))
	}
	render.Status(r, status)
	render.JSON(w, r, response.Failure(chaterr.Kind(err), err.Error()))
}

// requestScope resolves the caller and a request logger. It writes the
// failure itself and returns nil if there is no identity.
func requestScope(w http.ResponseWriter, r *http.Request, log *slog.Logger, handler Core) (*entity.Identity, *slog.Logger) {
	logger := log.With(
		sl.Module("http.handlers.chat"),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if handler == nil {
		logger.Error("chat service not available")
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("chat service not available"))
		return nil, logger
	}

	identity, err := cont.GetIdentity(r.Context())
	if err != nil {
		fail(w, r, logger, "identity not resolved", chaterr.Auth("%v", err))
		return nil, logger
	}
	return identity, logger.With(slog.String("user_id", identity.UserID))
}

// queryInt reads a non-negative integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, chaterr.Validation("%s must be a non-negative integer", name)
	}
	return v, nil
}
