// Package server is the web tier: the tracking page, the tracking API,
// the websocket feed and the health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/geocode"
	"signment/internal/recaptcha"
	"signment/internal/simulator"
	"signment/internal/store"
	"signment/web"
)

const (
	shutdownGrace = 10 * time.Second

	// keepAlivePeriod is how often the server pings its own public
	// health endpoint, which keeps free-tier hosts from idling out.
	keepAlivePeriod = 10 * time.Minute

	limiterSweepPeriod = time.Hour
)

// Deps are the collaborators the web tier needs. TelegramWebhook,
// SMTPCheck and TelegramCheck are optional.
type Deps struct {
	Store     *store.Store
	Cache     cache.Cache
	Simulator *simulator.Simulator
	Geocoder  *geocode.Client
	Recaptcha *recaptcha.Verifier

	// TelegramWebhook receives bot updates POSTed by Telegram when the
	// bot runs in webhook mode.
	TelegramWebhook http.Handler

	// SMTPCheck and TelegramCheck probe the external services for the
	// health endpoint.
	SMTPCheck     func(context.Context) error
	TelegramCheck func(context.Context) error
}

// Server carries the handler state.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *store.Store
	cache     cache.Cache
	simulator *simulator.Simulator
	geocoder  *geocode.Client
	recaptcha *recaptcha.Verifier

	telegramWebhook http.Handler
	smtpCheck       func(context.Context) error
	telegramCheck   func(context.Context) error

	hub       *hub
	metrics   *metrics
	limiter   *ipLimiter
	indexTmpl *template.Template
	router    *httprouter.Router

	// baseCtx outlives individual requests; simulations and broadcasts
	// started by a handler run on it.
	baseCtx context.Context
}

// New wires the router. The returned server is started with Run.
func New(cfg *config.Config, deps Deps, log *zap.Logger) (*Server, error) {
	indexTmpl, err := template.ParseFS(web.FS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		log:             log,
		store:           deps.Store,
		cache:           deps.Cache,
		simulator:       deps.Simulator,
		geocoder:        deps.Geocoder,
		recaptcha:       deps.Recaptcha,
		telegramWebhook: deps.TelegramWebhook,
		smtpCheck:       deps.SMTPCheck,
		telegramCheck:   deps.TelegramCheck,
		hub:             newHub(log),
		limiter:         newIPLimiter(cfg.Server.RateLimitPerHour, cfg.Server.RateLimitPerDay),
		indexTmpl:       indexTmpl,
		baseCtx:         context.Background(),
	}
	s.metrics = newMetrics(
		func() float64 { return float64(s.simulator.ActiveCount()) },
		func() float64 {
			ctx, cancel := context.WithTimeout(s.baseCtx, time.Second)
			defer cancel()
			n, err := s.cache.QueueLength(ctx)
			if err != nil {
				return 0
			}
			return float64(n)
		},
	)

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/", s.withObservability("/", s.handleIndex))
	router.HandlerFunc(http.MethodHead, "/", s.withObservability("/", s.handleIndex))
	router.HandlerFunc(http.MethodPost, "/track",
		s.withObservability("/track", s.withRateLimit(s.handleTrack)))
	router.HandlerFunc(http.MethodGet, "/broadcast/:tracking_number",
		s.withObservability("/broadcast", s.handleBroadcast))
	router.HandlerFunc(http.MethodGet, "/health", s.withObservability("/health", s.handleHealth))
	router.HandlerFunc(http.MethodPost, "/telegram/webhook",
		s.withObservability("/telegram/webhook", s.handleTelegramWebhook))
	router.HandlerFunc(http.MethodGet, "/ws", s.handleWS)
	router.Handler(http.MethodGet, "/metrics", s.metrics.handler())

	static, err := fs.Sub(web.FS, "static")
	if err != nil {
		return nil, fmt.Errorf("static assets: %w", err)
	}
	router.ServeFiles("/static/*filepath", http.FS(static))

	s.router = router
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("web server listening", zap.Int("port", s.cfg.Server.Port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(limiterSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.limiter.sweep(time.Now().Add(-24 * time.Hour))
			case <-gctx.Done():
				return nil
			}
		}
	})

	if s.cfg.Server.PublicBaseURL != "" {
		g.Go(func() error {
			s.keepAlive(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.simulator.Wait()
	return err
}

// keepAlive pings the public health endpoint on a timer.
func (s *Server) keepAlive(ctx context.Context) {
	client := &http.Client{Timeout: 30 * time.Second}
	url := s.cfg.Server.PublicBaseURL + "/health"
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				s.log.Debug("keep-alive ping failed", zap.Error(err))
				continue
			}
			resp.Body.Close()
		case <-ctx.Done():
			return
		}
	}
}
