package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/yndnr/wayback-rpki/internal/server/httpserver/handler"
	"github.com/yndnr/wayback-rpki/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Handler wires the query and admin services.
	Handler handler.Config

	// Metrics serves /metrics and counts requests; nil disables both.
	Metrics *metric.Registry

	// Logger for request logging.
	Logger *slog.Logger

	// Root prefixes every route, e.g. "/wayback".
	Root string

	// CORSAllowedOrigins is the list of allowed CORS origins (empty = allow all).
	CORSAllowedOrigins []string

	// RateLimit is the per-IP request rate on query routes (0 = unlimited).
	RateLimit float64
	RateBurst int

	// AdminToken is the bearer token of /admin routes (empty = disabled).
	AdminToken string

	// AdminAllowList is the IP/CIDR allowlist for admin API (empty = no restriction).
	AdminAllowList []string

	// EnableAudit enables audit logging for all requests.
	EnableAudit bool
}

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Handler.Logger == nil {
		cfg.Handler.Logger = log
	}
	root := strings.TrimRight(cfg.Root, "/")

	var h http.Handler = handler.New(cfg.Handler)
	if root != "" {
		h = http.StripPrefix(root, h)
	}

	// Order: RequestID -> Recover -> Observe -> Audit -> CORS -> RateLimit -> Handler
	common := func(route string) []Middleware {
		mws := []Middleware{RequestID(), Recover(log)}
		if cfg.Metrics != nil {
			mws = append(mws, Observe(cfg.Metrics, route))
		}
		if cfg.EnableAudit {
			mws = append(mws, Audit(log))
		}
		return mws
	}
	cors := CORS(cfg.CORSAllowedOrigins)

	var limit Middleware
	if cfg.RateLimit > 0 {
		limit = RateLimit(cfg.RateLimit, cfg.RateBurst)
	}
	acl := NetworkACL(cfg.AdminAllowList, log)
	admin := AdminAuth(cfg.AdminToken, log)

	mux := http.NewServeMux()
	for _, pattern := range handler.Routes {
		method, path, _ := strings.Cut(pattern, " ")
		mws := common(path)

		switch {
		case path == "/health" || path == "/ready":
			// Probes skip CORS and rate limiting.
		case strings.HasPrefix(path, "/admin/"):
			mws = append(mws, acl, admin)
		default:
			mws = append(mws, cors)
			if limit != nil {
				mws = append(mws, limit)
			}
		}
		mux.Handle(method+" "+root+path, Chain(h, mws...))
	}

	if cfg.Metrics != nil {
		mux.Handle("GET "+root+"/metrics", Chain(cfg.Metrics.Handler(), RequestID(), Recover(log)))
	}

	// Preflight for any route.
	mux.Handle("OPTIONS "+root+"/", Chain(http.NotFoundHandler(), RequestID(), cors))

	return mux
}
