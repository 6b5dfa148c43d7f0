// Package server wires the connect runtime: token storage, the provider
// client, the token manager, and the HTTP and gRPC lifecycles.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/nyra/internal/platform/config"
	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
	"github.com/louisbranch/nyra/internal/platform/timeouts"
	"github.com/louisbranch/nyra/internal/services/connect/authstate"
	"github.com/louisbranch/nyra/internal/services/connect/gateway"
	"github.com/louisbranch/nyra/internal/services/connect/httpapi"
	"github.com/louisbranch/nyra/internal/services/connect/notify"
	"github.com/louisbranch/nyra/internal/services/connect/provider"
	"github.com/louisbranch/nyra/internal/services/connect/secret"
	"github.com/louisbranch/nyra/internal/services/connect/storage"
	"github.com/louisbranch/nyra/internal/services/connect/storage/memory"
	connectsqlite "github.com/louisbranch/nyra/internal/services/connect/storage/sqlite"
	"github.com/louisbranch/nyra/internal/services/connect/tokens"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	storageSQLite = "sqlite"
	storageMemory = "memory"
)

type serverEnv struct {
	Storage         string        `env:"NYRA_CONNECT_STORAGE"          envDefault:"sqlite"`
	DBPath          string        `env:"NYRA_CONNECT_DB_PATH"`
	SecretKey       string        `env:"NYRA_CONNECT_SECRET_KEY"`
	StateMode       string        `env:"NYRA_OAUTH_STATE_MODE"         envDefault:"nonce"`
	PendingTTL      time.Duration `env:"NYRA_OAUTH_PENDING_TTL"        envDefault:"10m"`
	CleanupInterval time.Duration `env:"NYRA_CONNECT_CLEANUP_INTERVAL" envDefault:"5m"`
	UIOrigin        string        `env:"NYRA_CONNECT_UI_ORIGIN"`

	MailEndpoint     string `env:"NYRA_GMAIL_ENDPOINT"`
	CalendarEndpoint string `env:"NYRA_CALENDAR_ENDPOINT"`
}

func loadServerEnv() (serverEnv, error) {
	var cfg serverEnv
	if err := config.ParseEnv(&cfg); err != nil {
		return serverEnv{}, err
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "connect.db")
	}
	return cfg, nil
}

// Server hosts the connect HTTP surface, the gRPC health service, and the
// storage lifecycle.
type Server struct {
	listener     net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	httpListener net.Listener
	httpServer   *http.Server
	store        storage.Store
	manager      *tokens.Manager
	hub          *notify.Hub
	cleanupEvery time.Duration
}

// New creates a configured connect server listening on the provided port.
func New(port int, httpAddr string) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port), httpAddr)
}

// NewWithAddr creates a configured connect server for the provided gRPC and
// HTTP addresses.
func NewWithAddr(addr string, httpAddr string) (*Server, error) {
	if strings.TrimSpace(httpAddr) == "" {
		return nil, apperrors.New(apperrors.CodeConfigurationInvalid, "http address is required")
	}
	env, err := loadServerEnv()
	if err != nil {
		return nil, err
	}
	providerConfig, err := provider.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	mode, err := authstate.ParseMode(env.StateMode)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigurationInvalid, "parse NYRA_OAUTH_STATE_MODE", err)
	}
	keys, err := loadKeys(env, mode)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	store, err := openStore(ctx, env, keys)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close connect store: %v", closeErr)
		}
		return nil, err
	}

	client, err := provider.NewClient(providerConfig)
	if err != nil {
		return fail(err)
	}
	codec, err := authstate.NewCodec(mode, keys.State, env.PendingTTL, nil)
	if err != nil {
		return fail(err)
	}
	manager, err := tokens.NewManager(store, client, codec, tokens.Config{
		RefreshMargin: providerConfig.RefreshMargin(),
		Scopes:        providerConfig.Scopes,
	})
	if err != nil {
		return fail(err)
	}

	hub := notify.NewHub()
	handler, err := httpapi.NewHandler(httpapi.Config{
		Tokens:   manager,
		Hub:      hub,
		Mail:     gateway.NewMail(manager, gatewayOptions(env.MailEndpoint)...),
		Calendar: gateway.NewCalendar(manager, gatewayOptions(env.CalendarEndpoint)...),
		UIOrigin: env.UIOrigin,
	})
	if err != nil {
		hub.Close()
		return fail(err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		hub.Close()
		return fail(fmt.Errorf("listen on %s: %w", addr, err))
	}
	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		_ = listener.Close()
		hub.Close()
		return fail(fmt.Errorf("listen on http addr %s: %w", httpAddr, err))
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("connect."+string(client.Provider()), grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:     listener,
		grpcServer:   grpcServer,
		health:       healthServer,
		httpListener: httpListener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		store:        store,
		manager:      manager,
		hub:          hub,
		cleanupEvery: env.CleanupInterval,
	}, nil
}

// Addr returns the gRPC listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Run creates and serves a connect server until the context ends.
func Run(ctx context.Context, port int, httpAddr string) error {
	server, err := New(port, httpAddr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC and HTTP servers and blocks until either stops or the
// context ends.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	s.StartCleanup(serverCtx, s.cleanupEvery)

	log.Printf("connect server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	log.Printf("connect HTTP server listening at %v", s.httpListener.Addr())
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
	shutdownGRPC := func() {
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
	shutdownHTTP := func() {
		// Streams end when the hub closes; otherwise Shutdown waits on them.
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown connect HTTP server: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		shutdownHTTP()
		shutdownGRPC()
		return handleErr(<-serveErr)
	case err := <-serveErr:
		shutdownHTTP()
		return handleErr(err)
	case err := <-httpErr:
		shutdownGRPC()
		grpcErr := <-serveErr
		if errors.Is(err, http.ErrServerClosed) {
			return handleErr(grpcErr)
		}
		if handled := handleErr(grpcErr); handled != nil {
			return handled
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// StartCleanup purges expired credentials and abandoned authorizations on a
// fixed interval until ctx ends.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || s.manager == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purge(ctx)
			}
		}
	}()
}

func (s *Server) purge(ctx context.Context) {
	result, err := s.manager.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("purge expired connect records: %v", err)
		}
		return
	}
	if result.Credentials > 0 || result.PendingAuthorizations > 0 {
		log.Printf("purged %d credentials and %d pending authorizations", result.Credentials, result.PendingAuthorizations)
	}
}

// Close releases connect server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close connect store: %v", err)
		}
		s.store = nil
	}
}

func loadKeys(env serverEnv, mode authstate.Mode) (secret.Keys, error) {
	needsKey := env.Storage != storageMemory || mode == authstate.ModeNonce
	if strings.TrimSpace(env.SecretKey) == "" {
		if needsKey {
			return secret.Keys{}, apperrors.New(apperrors.CodeConfigurationInvalid, "NYRA_CONNECT_SECRET_KEY is required")
		}
		return secret.Keys{}, nil
	}
	master, err := secret.DecodeMasterKey(env.SecretKey)
	if err != nil {
		return secret.Keys{}, apperrors.Wrap(apperrors.CodeConfigurationInvalid, "decode NYRA_CONNECT_SECRET_KEY", err)
	}
	keys, err := secret.DeriveKeys(master)
	if err != nil {
		return secret.Keys{}, apperrors.Wrap(apperrors.CodeConfigurationInvalid, "derive connect keys", err)
	}
	return keys, nil
}

func openStore(ctx context.Context, env serverEnv, keys secret.Keys) (storage.Store, error) {
	switch env.Storage {
	case storageMemory:
		return memory.New(), nil
	case storageSQLite, "":
	default:
		return nil, apperrors.New(apperrors.CodeConfigurationInvalid, fmt.Sprintf("unknown storage backend %q", env.Storage))
	}

	sealer, err := secret.NewAESGCMSealer(keys.Seal)
	if err != nil {
		return nil, fmt.Errorf("build token sealer: %w", err)
	}
	if dir := filepath.Dir(env.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := connectsqlite.Open(ctx, env.DBPath, sealer)
	if err != nil {
		return nil, fmt.Errorf("open connect sqlite store: %w", err)
	}
	return store, nil
}

func gatewayOptions(endpoint string) []gateway.Option {
	if endpoint = strings.TrimSpace(endpoint); endpoint == "" {
		return nil
	}
	return []gateway.Option{gateway.WithEndpoint(endpoint)}
}
