package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"SupportChat/internal/lib/api/response"
	"SupportChat/internal/lib/sl"
)

type Stats interface {
	Stats() (clients, agents, sessions int)
}

// Pinger is implemented by the durable store; nil means in-memory.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	Store    string `json:"store"`
	Clients  int    `json:"clients"`
	Agents   int    `json:"agents"`
	Sessions int    `json:"sessions"`
}

func Health(log *slog.Logger, hub Stats, store Pinger) http.HandlerFunc {
	logger := log.With(sl.Module("http.handlers.health"))

	return func(w http.ResponseWriter, r *http.Request) {
		status := Status{Store: "memory"}
		if hub != nil {
			status.Clients, status.Agents, status.Sessions = hub.Stats()
		}

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logger.Warn("store ping failed", sl.Err(err))
				status.Store = "unavailable"
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, response.Response{Data: status, Success: false, Message: "store unavailable"})
				return
			}
			status.Store = "ok"
		}

		render.JSON(w, r, response.Ok(status))
	}
}
