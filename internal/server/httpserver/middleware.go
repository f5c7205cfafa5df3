package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
	"github.com/yndnr/wayback-rpki/pkg/cmap"
)

type contextKey string

// ContextKeyStartTime is the context key for request start time.
const ContextKeyStartTime contextKey = "start_time"

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// Chain chains multiple middlewares together. The first middleware
// runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestID adds a unique request ID to each request. A caller
// supplied X-Request-ID is kept.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = "req-" + ulid.Make().String()
			}

			w.Header().Set("X-Request-ID", requestID)

			ctx := logger.WithRequestID(r.Context(), requestID)
			ctx = context.WithValue(ctx, ContextKeyStartTime, time.Now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestObserver records finished requests.
type RequestObserver interface {
	ObserveRequest(route string, code int, elapsed time.Duration)
}

// Observe reports every request to obs under the given route label.
func Observe(obs RequestObserver, route string) Middleware {
	return func(next http.Handler) http.Handler {
		if obs == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			obs.ObserveRequest(route, wrapped.statusCode, time.Since(start))
		})
	}
}

// clientLimiter is one token bucket plus its last use in unix nanoseconds.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// limiterIdle is how long a client bucket survives without requests.
const limiterIdle = 10 * time.Minute

// RateLimit limits each client IP to rps requests per second with the
// given burst. Idle buckets are swept at most once per minute.
func RateLimit(rps float64, burst int) Middleware {
	if burst < 1 {
		burst = max(1, int(rps))
	}
	clients := cmap.New[*clientLimiter]()
	var lastSweep atomic.Int64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			ip := getClientIP(r)

			cl := clients.GetOrCreate(ip, func() *clientLimiter {
				return &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			})
			cl.lastSeen.Store(now.UnixNano())

			if last := lastSweep.Load(); now.UnixNano()-last > int64(time.Minute) && lastSweep.CompareAndSwap(last, now.UnixNano()) {
				cutoff := now.Add(-limiterIdle).UnixNano()
				clients.Sweep(func(_ string, c *clientLimiter) bool {
					return c.lastSeen.Load() < cutoff
				})
			}

			if !cl.limiter.AllowN(now, 1) {
				w.Header().Set("Retry-After", "1")
				writeMiddlewareError(w, r, domain.ErrRateLimited, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Audit logs every completed request.
func Audit(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			startTime, ok := r.Context().Value(ContextKeyStartTime).(time.Time)
			if !ok {
				startTime = time.Now()
			}

			attrs := []any{
				"request_id", logger.RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(startTime).Milliseconds(),
				"client_ip", getClientIP(r),
			}

			switch {
			case wrapped.statusCode >= 500:
				log.Error("request completed with error", attrs...)
			case wrapped.statusCode >= 400:
				log.Warn("request completed with client error", attrs...)
			default:
				log.Debug("request completed", attrs...)
			}
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic recovered",
						"request_id", logger.RequestIDFromContext(r.Context()),
						"error", err,
						"path", r.URL.Path,
					)
					writeMiddlewareError(w, r, domain.ErrInternal, "")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuth requires "Authorization: Bearer <token>" matching token.
// An empty token disables the admin API.
func AdminAuth(token string, log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeMiddlewareError(w, r, domain.ErrUnauthorized, "admin api disabled")
				return
			}

			given, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				log.Warn("admin request rejected",
					"request_id", logger.RequestIDFromContext(r.Context()),
					"client_ip", getClientIP(r),
					"path", r.URL.Path,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="wayback-admin"`)
				writeMiddlewareError(w, r, domain.ErrUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(auth) <= len(scheme) || !strings.EqualFold(auth[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(auth[len(scheme):]), true
}

// NetworkACL rejects clients outside allow, a list of addresses and
// CIDR blocks. Unparsable entries are logged and ignored; an empty
// list allows everyone.
func NetworkACL(allow []string, log *slog.Logger) Middleware {
	var prefixes []netip.Prefix
	for _, entry := range allow {
		p, err := parseACLEntry(entry)
		if err != nil {
			log.Warn("invalid entry in admin allow list", "entry", entry, "error", err)
			continue
		}
		prefixes = append(prefixes, p)
	}

	return func(next http.Handler) http.Handler {
		if len(prefixes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			addr, err := netip.ParseAddr(clientIP)
			if err == nil {
				addr = addr.Unmap()
				for _, p := range prefixes {
					if p.Contains(addr) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			log.Warn("request denied by network ACL",
				"client_ip", clientIP,
				"path", r.URL.Path,
			)
			writeMiddlewareError(w, r, domain.ErrForbidden, "client not in allow list")
		})
	}
}

func parseACLEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// CORS sets cross-origin headers for allowed origins; an empty list
// or "*" allows any origin. Preflight requests end here.
func CORS(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := len(allowedOrigins) == 0
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeMiddlewareError(w http.ResponseWriter, r *http.Request, de *domain.DomainError, details string) {
	var d any
	if details != "" {
		d = details
	}
	handler.WriteError(w, logger.RequestIDFromContext(r.Context()),
		handler.ErrorCodeToHTTPStatus(de.Code), de.Code, de.Message, d)
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// SplitHostPort handles bracketed IPv6 like [::1]:8080.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
