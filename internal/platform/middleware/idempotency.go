package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/auth"
)

// DefaultIdempotencyTTL is how long a captured response stays replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// HeaderIdempotencyKey carries the client-chosen key on write requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// CachedResponse is a captured response for an idempotent write.
type CachedResponse struct {
	Key        string
	Method     string
	Path       string
	BodyHash   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// IdempotencyStore persists captured responses. Implementations must be
// safe for concurrent use.
type IdempotencyStore interface {
	Get(key string) (*CachedResponse, bool)
	Set(key string, entry *CachedResponse)
	// Reserve marks key as in flight. It returns false when the key is
	// already reserved or cached.
	Reserve(key string) bool
	Release(key string)
}

// MemoryIdempotencyStore keeps responses in memory with TTL expiry.
type MemoryIdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string]*CachedResponse
	inFlight map[string]struct{}
	ttl      time.Duration
	nowFunc  func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryIdempotencyStore starts a store that evicts expired entries
// hourly. A non-positive ttl uses DefaultIdempotencyTTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &MemoryIdempotencyStore{
		entries:  make(map[string]*CachedResponse),
		inFlight: make(map[string]struct{}),
		ttl:      ttl,
		nowFunc:  time.Now,
		stop:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryIdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (s *MemoryIdempotencyStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryIdempotencyStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryIdempotencyStore) Get(key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || s.nowFunc().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.clone(), true
}

func (s *MemoryIdempotencyStore) Set(key string, entry *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := entry.clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	s.entries[key] = cp
	delete(s.inFlight, key)
}

func (s *MemoryIdempotencyStore) Reserve(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	if entry, ok := s.entries[key]; ok && !s.nowFunc().After(entry.ExpiresAt) {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *MemoryIdempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

func (r *CachedResponse) clone() *CachedResponse {
	cp := *r
	if r.Headers != nil {
		cp.Headers = r.Headers.Clone()
	}
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}

// Idempotency replays the first response for a repeated Idempotency-Key on
// POST, PUT and PATCH requests. Keys are scoped to the authenticated user.
// Reusing a key for a different method, path or body is rejected with 422,
// and a
// retry that arrives while the original is still running gets 409. Server
// errors are not cached so the client may retry them.
func Idempotency(store IdempotencyStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			method := req.Method
			if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
				return next(c)
			}

			clientKey := req.Header.Get(HeaderIdempotencyKey)
			if clientKey == "" {
				return next(c)
			}
			key := auth.UserIDFromContext(req.Context()) + "|" + clientKey
			path := req.URL.Path

			var raw []byte
			if req.Body != nil {
				b, err := io.ReadAll(req.Body)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
				}
				raw = b
			}
			req.Body = io.NopCloser(bytes.NewReader(raw))
			sum := sha256.Sum256(raw)
			bodyHash := hex.EncodeToString(sum[:])
			same := func(cached *CachedResponse) bool {
				return cached.Method == method && cached.Path == path && cached.BodyHash == bodyHash
			}

			if cached, ok := store.Get(key); ok {
				if !same(cached) {
					return echo.NewHTTPError(http.StatusUnprocessableEntity,
						"idempotency key was already used for a different request")
				}
				return replay(c, cached)
			}

			if !store.Reserve(key) {
				if cached, ok := store.Get(key); ok && same(cached) {
					return replay(c, cached)
				}
				return echo.NewHTTPError(http.StatusConflict,
					"a request with this idempotency key is already in progress")
			}

			origWriter := c.Response().Writer
			rec := &responseRecorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
				headers:        make(http.Header),
			}
			c.Response().Writer = rec

			err := next(c)
			if err != nil {
				// render the error into the recorder so it is cached too
				c.Error(err)
			}
			c.Response().Writer = origWriter

			if rec.statusCode >= http.StatusInternalServerError {
				store.Release(key)
			} else {
				store.Set(key, &CachedResponse{
					Key:        key,
					Method:     method,
					Path:       path,
					BodyHash:   bodyHash,
					StatusCode: rec.statusCode,
					Headers:    rec.headers,
					Body:       rec.body.Bytes(),
				})
			}

			for k, vals := range rec.headers {
				origWriter.Header()[k] = vals
			}
			origWriter.WriteHeader(rec.statusCode)
			_, werr := origWriter.Write(rec.body.Bytes())
			return werr
		}
	}
}

func replay(c echo.Context, cached *CachedResponse) error {
	resp := c.Response()
	for k, vals := range cached.Headers {
		resp.Header()[k] = vals
	}
	resp.Header().Set("X-Idempotency-Replayed", "true")
	resp.WriteHeader(cached.StatusCode)
	_, err := resp.Write(cached.Body)
	return err
}

type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *responseRecorder) Header() http.Header {
	return r.headers
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
