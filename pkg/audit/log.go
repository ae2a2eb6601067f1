package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/uswitch/subscriptions/pkg/authnz"
	"github.com/uswitch/subscriptions/pkg/middleware"
)

type AuditData map[string]interface{}

type AuditEntry struct {
	User string
	Data AuditData
	Time time.Time
}

type Logger interface {
	middleware.Middleware

	Log(context.Context, AuditData)
}

type auditLog struct {
	logger zerolog.Logger
}

// NewAuditLog writes one JSON line per entry to logger.
func NewAuditLog(logger zerolog.Logger) Logger {
	return &auditLog{logger}
}

func (a *auditLog) Log(ctx context.Context, data AuditData) {
	user, _ := authnz.UserFromContext(ctx)
	a.write(user, data)
}

func (a *auditLog) write(user string, data AuditData) {
	a.logger.Log().
		Str("user", user).
		Interface("data", data).
		Time("time", time.Now()).
		Msg("")
}

func (a *auditLog) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := authnz.UserFromContext(r.Context())
		if !ok || user == "" {
			// we should always be after the auth middleware as we need to know about who's doing the action
			// so if we can't get the  user back something has gone a little pair shaped
			w.WriteHeader(500)
			return
		}

		a.write(user, AuditData{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
		})

		next.ServeHTTP(w, r)
	})
}
