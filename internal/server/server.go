// Package server wires the serving pipeline into an HTTP surface: chi
// router, middleware chain, function CRUD, invocation with dedup, and
// auth introspection.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fngate/fngate/internal/audit"
	"github.com/fngate/fngate/internal/auth"
	"github.com/fngate/fngate/internal/dedup"
	"github.com/fngate/fngate/internal/executor"
	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/llm"
	"github.com/fngate/fngate/internal/loader"
	"github.com/fngate/fngate/internal/ratelimit"
	"github.com/fngate/fngate/internal/store"
)

// Compiler turns deployable source into an executable artifact. Hosts
// bind language toolchains; a nil compiler stores source as-is.
type Compiler interface {
	Compile(ctx context.Context, language string, source string) (*store.Artifact, error)
}

// LogStreamer streams function logs. Unbound, the logs route answers 501.
type LogStreamer interface {
	Stream(ctx context.Context, functionID string, w http.ResponseWriter) error
}

// Dependencies are the injectable backends. Nil fields fall back to
// in-memory implementations or disable the corresponding binding.
type Dependencies struct {
	Logger    *zap.Logger
	Registry  store.Registry
	Code      store.CodeStore
	StubCache loader.StubCache
	KeyStore  auth.KeyStore
	OAuth     auth.OAuthService
	Sandbox   executor.Sandbox
	Model     executor.ModelClient
	Tasks     executor.TaskService
	Search    executor.SearchService
	Compiler  Compiler
	Logs      LogStreamer
	AuditSink audit.Sink
	Metrics   prometheus.Registerer
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    *Config
	logger *zap.Logger

	registry store.Registry
	code     store.CodeStore
	loader   *loader.Loader
	dedupMap *dedup.Map
	limiter  *ratelimit.Limiter
	durable  *ratelimit.RedisCounter
	auth     *auth.Resolver
	audit    *audit.Recorder
	tasks    executor.TaskService
	agentic  *executor.AgenticExecutor
	dispatch *executor.Dispatcher
	compiler Compiler
	logs     LogStreamer

	router  chi.Router
	httpSrv *http.Server
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a fully wired server from config and dependencies.
func New(cfg *Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := deps.Registry
	if registry == nil {
		registry = store.NewMemoryRegistry()
	}
	code := deps.Code
	if code == nil {
		code = store.NewMemoryCodeStore()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	cache := deps.StubCache
	if cache == nil && redisClient != nil {
		cache = loader.NewRedisStubCache(redisClient)
	}

	model := deps.Model
	if model == nil && cfg.Anthropic.APIKey != "" {
		client := llm.NewClient()
		client.Register(llm.NewAnthropicAdapter(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model))
		model = client
	}

	var auditSink audit.Sink = deps.AuditSink
	if auditSink == nil && cfg.Audit.TrailPath != "" {
		if sink, err := audit.NewFileSink(cfg.Audit.TrailPath); err == nil {
			auditSink = sink
		} else {
			logger.Error("open audit trail failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		code:     code,
		limiter:  ratelimit.New(cfg.RateLimit),
		auth:     auth.NewResolver(cfg.Auth, deps.KeyStore, deps.OAuth),
		audit:    audit.NewRecorder(logger, auditSink),
		tasks:    deps.Tasks,
		compiler: deps.Compiler,
		logs:     deps.Logs,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if redisClient != nil {
		s.durable = ratelimit.NewRedisCounter(redisClient, "fngate")
	}
	if cfg.Dedup.Disabled {
		s.dedupMap = dedup.Disabled()
	} else {
		s.dedupMap = dedup.New(cfg.Dedup.TTL)
	}

	s.loader = loader.New(loader.Config{
		CacheTTL:            cfg.Loader.CacheTTL,
		MaxRetries:          cfg.Loader.MaxRetries,
		FailureThreshold:    cfg.Loader.FailureThreshold,
		ResetTimeout:        cfg.Loader.ResetTimeout,
		MaxHalfOpenRequests: cfg.Loader.MaxHalfOpenRequests,
		GracefulDegradation: cfg.Loader.GracefulDegradation,
		FallbackVersion:     cfg.Loader.FallbackVersion,
	}, registry, code, cache, logger, deps.Metrics)

	tasks := s.tasks
	if tasks == nil {
		tasks = executor.NewMemoryTaskService("")
		s.tasks = tasks
	}
	s.agentic = executor.NewAgenticExecutor(model, cfg.Anthropic.Model, nil, nil, deps.Search)
	s.dispatch = executor.NewDispatcher(
		executor.NewCodeExecutor(deps.Sandbox),
		executor.NewGenerativeExecutor(model, cfg.Anthropic.Model),
		s.agentic,
		executor.NewHumanExecutor(tasks),
		&loaderResolver{loader: s.loader},
		logger,
	)
	s.agentic.SetInvoker(s.dispatch)

	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(correlationMiddleware)
	r.Use(s.recoverMiddleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}
	r.Use(s.accessLogMiddleware)
	r.Use(s.authMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, base := range []string{"/v1/api/functions", "/api/functions"} {
		r.Route(base, func(r chi.Router) {
			r.Post("/", s.handleDeploy)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleInfo)
			r.Patch("/{id}", s.handlePatch)
			r.Delete("/{id}", s.handleDelete)
			r.Post("/{id}/rollback", s.handleRollback)
		})
	}

	r.Post("/v1/functions/{id}", s.handleInvoke)
	r.Post("/v1/functions/{id}/invoke", s.handleInvoke)
	r.Get("/v1/functions/{id}/logs", s.handleLogs)
	r.Post("/v1/cascade/{id}", s.handleInvoke)

	r.Get("/v1/api/auth/validate", s.handleAuthValidate)
	r.Get("/v1/api/auth/me", s.handleAuthMe)
	r.Get("/v1/api/auth/orgs", s.handleAuthOrgs)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httperr.Write(w, httperr.New(httperr.KindNotFound, "route not found"), CorrelationID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		if allow := allowedMethods(r, req); allow != "" {
			w.Header().Set("Allow", allow)
		}
		httperr.Write(w, httperr.New(httperr.KindMethodNotAllowed, "method not allowed"), CorrelationID(req.Context()))
	})
	return r
}

// allowedMethods probes the route tree for the methods the path does
// accept, for the 405 Allow header.
func allowedMethods(routes chi.Routes, req *http.Request) string {
	candidates := []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}
	var allow []string
	for _, method := range candidates {
		if method == req.Method {
			continue
		}
		if routes.Match(chi.NewRouteContext(), method, req.URL.Path) {
			allow = append(allow, method)
		}
	}
	return strings.Join(allow, ", ")
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections, flushes the audit trail, and cancels the
// base context.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	if err := s.audit.Close(); err != nil {
		s.logger.Error("close audit trail failed", zap.Error(err))
	}
	s.cancel()
}

// loaderResolver adapts the loader to the dispatcher's Resolver.
type loaderResolver struct {
	loader *loader.Loader
}

func (r *loaderResolver) Resolve(ctx context.Context, functionID string) (*fn.Metadata, *store.Artifact, error) {
	res, err := r.loader.Load(ctx, functionID)
	if err != nil {
		return nil, nil, err
	}
	return res.Stub.Metadata, res.Stub.Code, nil
}
