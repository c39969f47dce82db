package authenticate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"SupportChat/entity"
	"SupportChat/internal/lib/api/cont"
	"SupportChat/internal/lib/api/response"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
)

type Authenticate interface {
	Authenticate(ctx context.Context, token string) (*entity.Identity, error)
}

// New resolves the bearer token of every request into an identity. A bad
// credential answers 401; an unreachable revocation store answers 503.
func New(log *slog.Logger, auth Authenticate) func(next http.Handler) http.Handler {
	mod := sl.Module("middleware.authenticate")
	log.With(mod).Info("authenticate middleware initialized")

	return func(next http.Handler) http.Handler {

		fn := func(w http.ResponseWriter, r *http.Request) {
			id := middleware.GetReqID(r.Context())
			remote := r.RemoteAddr
			// if the request is coming from a proxy, use the X-Forwarded-For header
			xRemote := r.Header.Get("X-Forwarded-For")
			if xRemote != "" {
				remote = xRemote
			}
			logger := log.With(
				mod,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", remote),
				slog.String("request_id", id),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			loggerPtr := &logger
			defer func() {
				(*loggerPtr).With(
					slog.Int("status", ww.Status()),
					slog.Int("size", ww.BytesWritten()),
					slog.Float64("duration", time.Since(t1).Seconds()),
				).Info("incoming request")
			}()

			header := r.Header.Get("Authorization")
			if len(header) == 0 {
				*loggerPtr = (*loggerPtr).With(sl.Err(chaterr.Auth("authorization header not found")))
				authFailed(ww, r, chaterr.Auth("Authorization header not found"))
				return
			}
			token := ""
			if strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			}
			if len(token) == 0 {
				*loggerPtr = (*loggerPtr).With(sl.Err(chaterr.Auth("token not found")))
				authFailed(ww, r, chaterr.Auth("Token not found"))
				return
			}
			*loggerPtr = (*loggerPtr).With(sl.Secret("token", token))

			if auth == nil {
				authFailed(ww, r, chaterr.Auth("authentication not enabled"))
				return
			}

			identity, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				*loggerPtr = (*loggerPtr).With(sl.Err(err))
				authFailed(ww, r, err)
				return
			}
			*loggerPtr = (*loggerPtr).With(
				slog.String("user_id", identity.UserID),
				slog.String("role", string(identity.Role)),
			)
			ctx := cont.PutIdentity(r.Context(), identity)

			ww.Header().Set("X-Request-ID", id)
			ww.Header().Set("X-User", identity.UserID)
			next.ServeHTTP(ww, r.WithContext(ctx))
		}

		return http.HandlerFunc(fn)
	}
}

func authFailed(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, chaterr.HTTPStatus(err))
	render.JSON(w, r, response.Failure(chaterr.Kind(err), err.Error()))
}
