// Package server wires together the ecoscan subsystems and exposes the HTTP
// server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcus-qen/ecoscan/internal/audit"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/bins"
	"github.com/marcus-qen/ecoscan/internal/campaigns"
	"github.com/marcus-qen/ecoscan/internal/config"
	"github.com/marcus-qen/ecoscan/internal/db"
	"github.com/marcus-qen/ecoscan/internal/disposals"
	"github.com/marcus-qen/ecoscan/internal/email"
	"github.com/marcus-qen/ecoscan/internal/events"
	"github.com/marcus-qen/ecoscan/internal/jobs"
	"github.com/marcus-qen/ecoscan/internal/metrics"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"github.com/marcus-qen/ecoscan/internal/oidc"
	"github.com/marcus-qen/ecoscan/internal/qrcode"
	"github.com/marcus-qen/ecoscan/internal/reports"
	"github.com/marcus-qen/ecoscan/internal/rewards"
	"github.com/marcus-qen/ecoscan/internal/routers"
	"github.com/marcus-qen/ecoscan/internal/rpc"
	"github.com/marcus-qen/ecoscan/internal/session"
	"github.com/marcus-qen/ecoscan/internal/telemetry"
	"github.com/marcus-qen/ecoscan/internal/users"
	ws "github.com/marcus-qen/ecoscan/internal/websocket"
	"go.uber.org/zap"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// BootstrapAdminEmail is the SUPERADMIN created on first start.
const BootstrapAdminEmail = "admin@ecoscan.local"

// Server is the assembled application.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	db      *sql.DB
	metrics *metrics.Metrics

	// Stores
	userStore     *users.Store
	sessionStore  *session.Store
	binStore      *bins.Store
	disposalStore *disposals.Store
	rewardStore   *rewards.Store
	reportStore   *reports.Store
	campaignStore *campaigns.Store
	auditStore    *audit.Store

	// Auth
	sessions      *sessionAdapter
	authHandlers  *auth.Handlers
	signInLimiter *auth.RateLimiter
	oidcProvider  *oidc.Provider

	// Realtime
	eventBus   *events.Bus
	dispatcher *notify.Dispatcher
	hub        *ws.Hub
	closers    []io.Closer

	scheduler     *jobs.Scheduler
	rpcHTTP       *rpc.HTTPHandler
	traceShutdown func(context.Context) error

	handler    http.Handler
	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	ctx := context.Background()
	if err := s.initTracing(ctx); err != nil {
		return nil, err
	}
	if err := s.initStores(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.bootstrapAdmin(ctx)
	s.initNotify()
	s.initAuth(ctx)
	if err := s.initRPC(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initJobs(); err != nil {
		s.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = maxBodySizeMiddleware(cfg.MaxBodyBytes, mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.scheduler.Start(ctx)
	defer s.scheduler.Stop()

	s.logger.Info("starting ecoscan",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.Bool("oidc", s.oidcProvider != nil),
		zap.Int("notify_backends", 1+len(s.closers)),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("close notify backend", zap.Error(err))
		}
	}
	s.closers = nil
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace provider shutdown", zap.Error(err))
		}
		s.traceShutdown = nil
	}
}

// ── Init helpers ─────────────────────────────────────────────

func (s *Server) initTracing(ctx context.Context) error {
	t := s.cfg.Telemetry
	shutdown, err := telemetry.InitTraceProvider(ctx, telemetry.Options{
		Endpoint:    t.OTLPEndpoint,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		Version:     Version,
		SampleRatio: t.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown
	if t.OTLPEndpoint != "" {
		s.logger.Info("tracing enabled", zap.String("endpoint", t.OTLPEndpoint))
	}
	return nil
}

func (s *Server) initStores(ctx context.Context) error {
	conn, err := db.Open(ctx, s.cfg.DatabasePath(), s.logger.Named("db"))
	if err != nil {
		return err
	}
	s.db = conn
	s.logger.Info("database opened", zap.String("path", s.cfg.DatabasePath()))

	s.userStore = users.NewStore(conn)
	s.sessionStore = session.NewStore(conn, s.cfg.Session.Lifetime.Std(), s.cfg.Session.UpdateAge.Std())
	s.binStore = bins.NewStore(conn)
	s.disposalStore = disposals.NewStore(conn)
	s.rewardStore = rewards.NewStore(conn)
	s.reportStore = reports.NewStore(conn)
	s.campaignStore = campaigns.NewStore(conn)
	s.auditStore = audit.NewStore(conn, s.logger)
	s.sessions = &sessionAdapter{store: s.sessionStore, userStore: s.userStore}
	return nil
}

// bootstrapAdmin creates a SUPERADMIN with a random password when the
// database has no users yet.
func (s *Server) bootstrapAdmin(ctx context.Context) {
	n, err := s.userStore.Count(ctx)
	if err != nil || n > 0 {
		return
	}
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		s.logger.Error("generate bootstrap password", zap.Error(err))
		return
	}
	password := base64.RawURLEncoding.EncodeToString(raw)
	admin, err := s.userStore.Create(ctx, users.NewUser{
		Email:         BootstrapAdminEmail,
		Name:          "Administrator",
		Password:      password,
		Role:          auth.RoleSuperadmin,
		EmailVerified: true,
	})
	if err != nil {
		s.logger.Error("failed to create bootstrap admin", zap.Error(err))
		return
	}
	s.logger.Warn("bootstrap admin created; change this password immediately",
		zap.String("email", admin.Email),
		zap.String("password", password),
	)
}

// initNotify builds the publisher chain. The in-process bus always feeds
// the websocket hub; Redis and NATS are added when configured and skipped
// with a warning when unreachable.
func (s *Server) initNotify() {
	s.eventBus = events.NewBus(256)
	pubs := notify.Multi{notify.NewBusPublisher(s.eventBus)}

	if url := s.cfg.Notify.RedisURL; url != "" {
		p, err := notify.NewRedisPublisher(url)
		if err != nil {
			s.logger.Warn("redis notifications disabled", zap.Error(err))
		} else {
			pubs = append(pubs, p)
			s.closers = append(s.closers, p)
			s.logger.Info("redis notifications enabled")
		}
	}
	if url := s.cfg.Notify.NATSURL; url != "" {
		p, err := notify.NewNATSPublisher(url)
		if err != nil {
			s.logger.Warn("nats notifications disabled", zap.Error(err))
		} else {
			pubs = append(pubs, p)
			s.closers = append(s.closers, p)
			s.logger.Info("nats notifications enabled", zap.String("url", url))
		}
	}

	s.dispatcher = notify.NewDispatcher(pubs, s.metrics, s.logger)
	s.hub = ws.NewHub(s.eventBus, s.sessions, s.metrics, s.logger)
}

func (s *Server) emailSender() email.Sender {
	e := s.cfg.Email
	switch e.Provider {
	case "http":
		return email.NewHTTPSender(e.APIURL, e.APIKey, e.From)
	case "smtp":
		return email.NewSMTPSender(e.SMTPHost, e.SMTPPort, e.From, e.SMTPUsername, e.SMTPPassword)
	default:
		return email.NewLogSender(s.logger)
	}
}

func (s *Server) initAuth(ctx context.Context) {
	userAuth := &userAuthAdapter{store: s.userStore}
	s.authHandlers = auth.NewHandlers(auth.HandlerDeps{
		Users:     userAuth,
		Registrar: userAuth,
		Sessions:  s.sessions,
		Verifier:  &verifierAdapter{store: s.userStore, ttl: users.DefaultVerificationTTL},
		Mailer:    email.NewMailer(s.emailSender()),
		Auditor:   s.auditStore,
	}, auth.HandlerOptions{
		SecureCookie: s.cfg.Session.SecureCookie,
		BaseURL:      s.cfg.ExternalURL,
	}, s.logger)

	s.signInLimiter = auth.NewRateLimiter(s.cfg.RateLimit.SignInPerMinute, s.cfg.RateLimit.SignInBurst, func() {
		s.metrics.RecordRateLimited("sign-in")
	})

	if s.cfg.OIDC.Enabled {
		provider, err := oidc.NewProvider(ctx, s.cfg.OIDC, oidc.Options{
			SecureCookies: s.cfg.Session.SecureCookie,
			AfterLogin:    "/",
		}, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize oidc provider", zap.Error(err))
		} else {
			s.oidcProvider = provider
			s.logger.Info("oidc provider enabled", zap.String("provider", provider.Name()))
		}
	}
}

func (s *Server) initRPC() error {
	signer, err := qrcode.NewSigner(s.cfg.QRCode.SigningKey, s.cfg.QRCode.Issuer)
	if err != nil {
		return err
	}
	rt := rpc.NewRouter(s.metrics, s.logger)
	routers.Register(rt, routers.Deps{
		Users:     s.userStore,
		Realtime:  s.hub,
		Bins:      s.binStore,
		Disposals: s.disposalStore,
		Rewards:   s.rewardStore,
		Reports:   s.reportStore,
		Campaigns: s.campaignStore,
		QR:        signer,
		Notifier:  s.dispatcher,
		Audit:     s.auditStore,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	s.rpcHTTP = rpc.NewHTTPHandler(rt, rpc.NewContextBuilder(s.sessions, s.logger), s.cfg.MaxBodyBytes, s.logger)
	return nil
}

func (s *Server) initJobs() error {
	s.scheduler = jobs.NewScheduler(s.logger)
	j := s.cfg.Jobs
	return jobs.RegisterMaintenance(s.scheduler, jobs.Schedules{
		SessionCleanup:      j.SessionCleanup,
		VerificationCleanup: j.VerificationCleanup,
		AuditPurge:          j.AuditPurge,
		AuditRetention:      j.AuditRetention.Std(),
	}, s.sessionStore, s.userStore, s.auditStore)
}
