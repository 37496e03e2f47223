package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	// provisionalTTL bounds how long an in-flight claim blocks retries when
	// the handler never finishes.
	provisionalTTL = 60 * time.Second
	storeTimeout   = 2 * time.Second
)

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type idempotencyEntry struct {
	InProgress bool      `json:"inProgress"`
	Status     int       `json:"status,omitempty"`
	Body       []byte    `json:"body,omitempty"`
	BodySHA256 string    `json:"bodySha256"`
	CreatedAt  time.Time `json:"createdAt"`
}

// idempotency replays the stored response of a mutating request retried with
// the same Idempotency-Key. Requests without the header pass through.
type idempotency struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func newIdempotency(rdb redis.UniversalClient, ttl time.Duration) *idempotency {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &idempotency{rdb: rdb, ttl: ttl}
}

func idempotencyStoreKey(route string, caller string, key string) string {
	return "peerlend:idem:" + route + ":" + caller + ":" + key
}

func (i *idempotency) middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if i == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !idempotencyKeyPattern.MatchString(key) {
				writeProblem(w, r, http.StatusBadRequest, "invalid Idempotency-Key", nil)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeProblem(w, r, http.StatusBadRequest, "bad request: "+err.Error(), nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			digest := hex.EncodeToString(sum[:])
			storeKey := idempotencyStoreKey(route, caller(r).String(), key)

			ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
			claimed, err := i.claim(ctx, storeKey, digest)
			if err != nil {
				cancel()
				loggerFrom(r.Context()).Warn("idempotency store unavailable", "route", route, "error", err)
				writeProblem(w, r, http.StatusServiceUnavailable, "idempotency store unavailable", nil)
				return
			}
			if !claimed {
				entry, err := i.load(ctx, storeKey)
				cancel()
				switch {
				case err != nil:
					writeProblem(w, r, http.StatusConflict, "request is already in progress", nil)
				case entry.BodySHA256 != digest:
					writeProblem(w, r, http.StatusConflict, "Idempotency-Key reused with a different body", nil)
				case entry.InProgress:
					writeProblem(w, r, http.StatusConflict, "request is already in progress", nil)
				default:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set(replayedHeader, "true")
					w.WriteHeader(entry.Status)
					_, _ = w.Write(entry.Body)
				}
				return
			}
			cancel()

			rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Server errors release the claim so the client may retry.
			saveCtx, saveCancel := context.WithTimeout(context.Background(), storeTimeout)
			defer saveCancel()
			if rec.status >= http.StatusInternalServerError {
				err = i.rdb.Del(saveCtx, storeKey).Err()
			} else {
				err = i.save(saveCtx, storeKey, idempotencyEntry{
					Status:     rec.status,
					Body:       rec.buf.Bytes(),
					BodySHA256: digest,
					CreatedAt:  time.Now().UTC(),
				})
			}
			if err != nil {
				loggerFrom(r.Context()).Warn("idempotency record failed", "route", route, "error", err)
			}
		})
	}
}

func (i *idempotency) claim(ctx context.Context, key, digest string) (bool, error) {
	payload, err := json.Marshal(idempotencyEntry{InProgress: true, BodySHA256: digest, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	return i.rdb.SetNX(ctx, key, payload, provisionalTTL).Result()
}

func (i *idempotency) load(ctx context.Context, key string) (idempotencyEntry, error) {
	var entry idempotencyEntry
	raw, err := i.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry, errors.New("idempotency entry expired")
		}
		return entry, err
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func (i *idempotency) save(ctx context.Context, key string, entry idempotencyEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return i.rdb.Set(ctx, key, payload, i.ttl).Err()
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	b.buf.Write(p)
	return b.ResponseWriter.Write(p)
}
