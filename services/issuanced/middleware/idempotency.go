package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"esgcoupon/services/issuanced/models"
)

// HeaderIdempotencyKey carries the client supplied idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// IdempotencyKeyFrom returns the key attached to ctx, if any.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// WithIdempotency ensures requests with the same key are executed once. The
// stored response is replayed for repeats; reusing a key on another route is
// rejected. Server errors are not stored so the client may retry them.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}

			var record models.IdempotencyKey
			err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
			switch {
			case err == nil:
				if record.Method != r.Method || record.Path != r.URL.Path {
					http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				logger.Error("idempotency lookup failed", slog.Any("error", err))
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			payload := models.IdempotencyKey{
				Key:       key,
				RequestID: uuid.NewString(),
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    status,
				Response:  recorder.buf.String(),
				CreatedAt: time.Now().UTC(),
			}
			if err := db.WithContext(r.Context()).Create(&payload).Error; err != nil {
				logger.Warn("idempotency record not stored", slog.String("key", key), slog.Any("error", err))
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
