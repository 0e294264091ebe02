package core

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stockmeter/internal/types"
)

// AdminKeyHeader carries the operator key for /v1/admin routes.
const AdminKeyHeader = "X-Admin-Key"

const (
	defaultMaxAdminFailures = 10
	defaultAdminLockout     = 15 * time.Minute
)

// AdminAuth verifies the X-Admin-Key header against a bcrypt hash and blocks
// client IPs after repeated failures. Block state is per process.
type AdminAuth struct {
	hash        []byte
	maxFailures int
	lockout     time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	failures map[string]*failureWindow
}

type failureWindow struct {
	count int
	first time.Time
}

// NewAdminAuth creates an AdminAuth for the given bcrypt hash. An empty hash
// rejects every request.
func NewAdminAuth(hash types.SecretString, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuth{
		hash:        []byte(hash.Unmask()),
		maxFailures: defaultMaxAdminFailures,
		lockout:     defaultAdminLockout,
		now:         time.Now,
		logger:      logger,
		failures:    make(map[string]*failureWindow),
	}
}

// Middleware injects an admin Actor into the context on success.
//
// Responses:
//   - 403 forbidden_ip_blocked when the client IP is locked out.
//   - 401 auth_token_missing when the header is absent.
//   - 401 auth_token_invalid when the key does not match the hash.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractClientIP(r)

		if a.blocked(ip) {
			a.logger.WarnContext(r.Context(), "admin request from blocked IP",
				"ip", ip,
				"path", r.URL.Path,
			)
			Error(w, r, types.NewAppError(types.ErrCodeForbiddenIPBlocked, "access denied", nil))
			return
		}

		key := strings.TrimSpace(r.Header.Get(AdminKeyHeader))
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, AdminKeyHeader+" header is required", nil))
			return
		}

		if len(a.hash) == 0 || bcrypt.CompareHashAndPassword(a.hash, []byte(key)) != nil {
			a.recordFailure(ip)
			a.logger.WarnContext(r.Context(), "admin authentication failed",
				"ip", ip,
				"method", r.Method,
				"path", r.URL.Path,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin key", nil))
			return
		}

		a.clearFailures(ip)
		ctx := types.WithActor(r.Context(), types.Actor{ID: "admin:" + ip, Type: types.ActorTypeAdmin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) blocked(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	fw, ok := a.failures[ip]
	if !ok {
		return false
	}
	if a.now().Sub(fw.first) >= a.lockout {
		delete(a.failures, ip)
		return false
	}
	return fw.count >= a.maxFailures
}

func (a *AdminAuth) recordFailure(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	fw, ok := a.failures[ip]
	if !ok || now.Sub(fw.first) >= a.lockout {
		a.failures[ip] = &failureWindow{count: 1, first: now}
		return
	}
	fw.count++
}

func (a *AdminAuth) clearFailures(ip string) {
	a.mu.Lock()
	delete(a.failures, ip)
	a.mu.Unlock()
}

// extractClientIP returns the first X-Forwarded-For entry, or RemoteAddr
// without its port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
