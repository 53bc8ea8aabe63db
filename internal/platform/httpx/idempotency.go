package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tradefin/tradefin/internal/shared"
)

// HeaderIdempotencyKey lets clients retry POSTs safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// KeyStore records processed idempotency keys.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

// Idempotent rejects a repeated Idempotency-Key for module with 409. Keys
// whose request failed are released so the client can retry.
func Idempotent(store KeyStore, module string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := store.CheckAndInsert(r.Context(), key, module); err != nil {
				if !errors.Is(err, shared.ErrIdempotencyConflict) && logger != nil {
					logger.Error("idempotency check failed", slog.String("module", module), slog.Any("error", err))
				}
				RespondError(w, err)
				return
			}
			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusBadRequest {
				if err := store.Release(context.WithoutCancel(r.Context()), key, module); err != nil && logger != nil {
					logger.Warn("idempotency release failed", slog.String("module", module), slog.Any("error", err))
				}
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
