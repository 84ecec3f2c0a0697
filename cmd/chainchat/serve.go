package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/chainchat/internal/api/handler"
	"github.com/jmerrifield20/chainchat/internal/audit"
	"github.com/jmerrifield20/chainchat/internal/config"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/jmerrifield20/chainchat/internal/intake"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/jmerrifield20/chainchat/internal/peers"
	"github.com/jmerrifield20/chainchat/internal/realtime"
	"github.com/jmerrifield20/chainchat/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck

		if err := serve(logger); err != nil {
			logger.Error("chainchat exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

// backend is the persistence chosen by store.backend.
type backend struct {
	store    ledger.Store
	messages intake.Repository
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &backend{
			store:    ledger.NewPostgresStore(db, logger),
			messages: intake.NewPostgresRepository(db),
			close:    db.Close,
		}, nil

	case config.BackendBolt:
		store, err := ledger.OpenBoltStore(cfg.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		messages, err := intake.NewBoltRepository(store.DB())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("opened bolt store", zap.String("path", cfg.Store.BoltPath))
		return &backend{
			store:    store,
			messages: messages,
			close:    func() { _ = store.Close() },
		}, nil

	default:
		logger.Warn("memory store: the chain is lost on restart")
		return &backend{
			store:    ledger.NewMemoryStore(),
			messages: intake.NewMemoryRepository(),
			close:    func() {},
		}, nil
	}
}

func serve(logger *zap.Logger) error {
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Persistence ──────────────────────────────────────────────────────────
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// ── Ledger ───────────────────────────────────────────────────────────────
	pool := ledger.NewSealPool(ledger.NewSealer(cfg.Ledger.MaxIterations, logger), cfg.Ledger.SealWorkers, logger)
	defer pool.Close()

	chain, err := ledger.New(ledger.Options{
		Difficulty:       cfg.Ledger.Difficulty,
		Mode:             cfg.Ledger.AppendMode,
		MaxAppendRetries: cfg.Ledger.MaxAppendRetries,
		SealTimeout:      cfg.Ledger.SealTimeout,
		Miner:            pool,
		Store:            be.store,
		OnAppend: func(rec ledger.SealedRecord, stats ledger.SealStats) {
			handler.RecordAppend(rec.Index, stats.Attempts, stats.Duration)
		},
	}, logger)
	if err != nil {
		return err
	}
	if err := chain.Open(ctx, nil); err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	handler.SetChainLength(chain.Len())
	logger.Info("ledger ready",
		zap.Int("records", chain.Len()),
		zap.Int("difficulty", chain.Difficulty()),
		zap.String("mode", string(chain.Mode())),
	)

	// ── Peers, intake, sessions ──────────────────────────────────────────────
	registry := peers.New(cfg.Peers.QueueSize, logger)
	defer registry.Close()
	registry.SetDropRecorder(func(t peers.EventType) { handler.RecordDroppedEvent(string(t)) })
	registry.Subscribe(func(ev peers.Event) {
		if ev.Type != peers.EventRecordBroadcast {
			handler.SetPeerCount(ev.PeerCount)
		}
	})

	svc := intake.NewService(chain, chain, be.messages, registry, logger)
	svc.SetAbortRecorder(handler.RecordSealAbort)

	sessions, err := identity.NewSessionIssuer(cfg.Auth.SessionSecret, cfg.Auth.Issuer, cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("auth.session_secret: %w", err)
	}

	// ── Relay ────────────────────────────────────────────────────────────────
	if len(cfg.Relay.URLs) > 0 {
		rl := relay.NewService(relay.Options{URLs: cfg.Relay.URLs, Secret: cfg.Relay.Secret}, logger)
		rl.SetMetricsRecorder(handler.RecordRelayDelivery)
		detach := rl.Attach(registry)
		defer rl.Close()
		defer detach()
		logger.Info("relay enabled", zap.Strings("urls", cfg.Relay.URLs))
	}

	// ── gRPC health + reflection ─────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	auditor := audit.New(chain, healthSrv, audit.Config{Interval: cfg.Audit.Interval}, logger)
	auditor.SetMetricsRecord(handler.SetChainValid)

	// ── HTTP + websocket ─────────────────────────────────────────────────────
	hubOpts := realtime.Options{
		QueueLength:   cfg.Peers.QueueSize,
		SubmitTimeout: cfg.Ledger.SealTimeout,
		CheckOrigin:   originChecker(cfg.Server.CORSOrigins),
	}
	var senders *handler.Limiter
	if rps := cfg.Server.SenderRateLimitRPS; rps > 0 {
		senders = handler.NewLimiter(ctx, float64(rps), rps*2)
		hubOpts.AllowSubmit = func(sender string) bool {
			return senders.Allow(handler.SenderBucket(sender))
		}
	}
	hub := realtime.NewHub(ctx, registry, chain, svc, sessions, hubOpts, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(ctx, routerDeps{
		chain:        chain,
		peers:        registry,
		messages:     svc,
		sessions:     sessions,
		ws:           hub,
		lastAudit:    auditor.Last,
		corsOrigins:  cfg.Server.CORSOrigins,
		rateLimitRPS: cfg.Server.RateLimitRPS,
		senders:      senders,
		logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chainchat HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("chainchat gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		auditor.Start(gctx)
		return nil
	})

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down chainchat...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		hub.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		healthSrv.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	logger.Info("chainchat stopped", zap.Int("records", chain.Len()))
	return err
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := "OK"
		if err != nil {
			code = grpc.Code(err).String() //nolint:staticcheck
		}
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
