package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"SupportChat/internal/config"
	"SupportChat/internal/http-server/handlers/chat"
	handlerErrors "SupportChat/internal/http-server/handlers/errors"
	"SupportChat/internal/http-server/handlers/health"
	"SupportChat/internal/http-server/middleware/authenticate"
	"SupportChat/internal/lib/sl"
	"SupportChat/internal/ws"
)

const (
	requestTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	chat.Core
	ws.Handler
}

// Authenticator resolves bearer tokens for both the REST routes and the
// websocket handshake.
type Authenticator interface {
	authenticate.Authenticate
	ws.Authenticator
}

// Dependencies the server routes to. Store may be nil for the in-memory store.
type Dependencies struct {
	Auth    Authenticator
	Handler Handler
	Hub     health.Stats
	Store   health.Pinger
}

func New(conf *config.Config, log *slog.Logger, deps Dependencies) *Server {
	server := &Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", conf.Listen.BindIP, conf.Listen.Port),
		Handler:           NewRouter(conf, log, deps),
		ErrorLog:          httpLog,
		ReadHeaderTimeout: requestTimeout,
	}
	return server
}

func NewRouter(conf *config.Config, log *slog.Logger, deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.NotFound(handlerErrors.NotFound(log))
	router.MethodNotAllowed(handlerErrors.NotAllowed(log))

	// the socket carries its own credential check before the upgrade
	router.Get("/ws", ws.ServeWs(deps.Auth, deps.Handler, ws.Options{
		SendBuffer:      conf.Chat.SendBuffer,
		MaxMessageBytes: conf.Chat.MaxMessageBytes,
		AllowedOrigins:  conf.Chat.AllowedOrigins,
	}, log))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/health", health.Health(log, deps.Hub, deps.Store))

		r.Route("/api/v1", func(v1 chi.Router) {
			v1.Use(authenticate.New(log, deps.Auth))

			v1.Route("/sessions", func(s chi.Router) {
				s.Post("/", chat.OpenSession(log, deps.Handler))
				s.Get("/", chat.ListSessions(log, deps.Handler))
				s.Get("/{id}", chat.GetSession(log, deps.Handler))
				s.Get("/{id}/messages", chat.History(log, deps.Handler))
				s.Post("/{id}/status", chat.SetStatus(log, deps.Handler))
			})
		})
	})

	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("starting api server", slog.String("address", s.httpServer.Addr))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down api server")
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
