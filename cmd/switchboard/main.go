package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkeep-io/switchboard/internal/api"
	"github.com/arkeep-io/switchboard/internal/auth"
	"github.com/arkeep-io/switchboard/internal/broker"
	"github.com/arkeep-io/switchboard/internal/metrics"
	"github.com/arkeep-io/switchboard/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout bounds the graceful drain of HTTP requests and broker
// connections after a termination signal.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard: real-time WebSocket connection and channel broker",
		Long: `Switchboard accepts WebSocket connections, tracks them by client and
user, routes client messages, fans messages out to channel subscribers and
reaps connections that stop showing activity. Backend services publish
through the /api/v1 HTTP API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTokenCmd(cfg))
	root.AddCommand(newKeygenCmd(cfg))

	def := broker.DefaultConfig()
	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("SWITCHBOARD_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("SWITCHBOARD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.DurationVar(&cfg.monitorInterval, "monitor-interval", envDurationOrDefault("SWITCHBOARD_MONITOR_INTERVAL", def.MonitorInterval), "How often idle connections are scanned")
	f.DurationVar(&cfg.staleAfter, "stale-after", envDurationOrDefault("SWITCHBOARD_STALE_AFTER", def.StaleAfter), "Idle time after which a connection is reaped")
	f.DurationVar(&cfg.asyncTimeout, "async-timeout", envDurationOrDefault("SWITCHBOARD_ASYNC_TIMEOUT", def.AsyncTimeout), "Timeout for asynchronous message handlers")
	f.Float64Var(&cfg.messageRate, "message-rate", envFloatOrDefault("SWITCHBOARD_MESSAGE_RATE", 0), "Inbound frames per second allowed per connection (0 disables)")
	f.IntVar(&cfg.messageBurst, "message-burst", envIntOrDefault("SWITCHBOARD_MESSAGE_BURST", def.MessageBurst), "Burst size for --message-rate")
	f.StringArrayVar(&cfg.forwards, "forward", envListOrDefault("SWITCHBOARD_FORWARD", nil), "Forward a message type to channels, as type=channel[,channel] (repeatable)")
	f.StringSliceVar(&cfg.allowedOrigins, "allowed-origins", envListOrDefault("SWITCHBOARD_ALLOWED_ORIGINS", nil), "Browser origins allowed to open WebSockets (empty allows all)")
	f.StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("SWITCHBOARD_JWT_ISSUER", "switchboard"), "Issuer claim for signed and accepted tokens")
	f.StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("SWITCHBOARD_JWT_PRIVATE_KEY", ""), "Path to the RSA private key PEM")
	f.StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("SWITCHBOARD_JWT_PUBLIC_KEY", ""), "Path to the RSA public key PEM")
	f.BoolVar(&cfg.requireAuth, "require-auth", envBoolOrDefault("SWITCHBOARD_REQUIRE_AUTH", false), "Reject WebSocket connections without a token")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("switchboard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newTokenCmd(cfg *config) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for a user or service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
				return errors.New("--jwt-private-key and --jwt-public-key are required")
			}
			jwtMgr, err := auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
			if err != nil {
				return err
			}
			token, err := jwtMgr.GenerateToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id for the uid claim (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleClient, "Role claim: client or service")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newKeygenCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair at --jwt-private-key and --jwt-public-key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
				return errors.New("--jwt-private-key and --jwt-public-key are required")
			}
			jwtMgr, err := auth.NewJWTManagerGenerated(cfg.jwtIssuer)
			if err != nil {
				return err
			}
			if err := jwtMgr.WriteKeyPair(cfg.jwtPrivateKey, cfg.jwtPublicKey); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", cfg.jwtPrivateKey, cfg.jwtPublicKey)
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	forwards, err := parseForwards(cfg.forwards)
	if err != nil {
		return err
	}

	jwtMgr, err := loadJWT(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting switchboard",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("log_level", cfg.logLevel),
		zap.Duration("monitor_interval", cfg.monitorInterval),
		zap.Duration("stale_after", cfg.staleAfter),
		zap.Bool("require_auth", cfg.requireAuth),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithRecorder(metrics.NewBrokerMetrics(reg)),
	}
	for _, fw := range forwards {
		opts = append(opts, broker.WithForward(fw.kind, fw.channels...))
	}
	b := broker.New(cfg.brokerConfig(version), opts...)
	metrics.NewStatsCollector(reg, b.Stats)

	handler := api.NewRouter(api.RouterConfig{
		Broker:      b,
		WS:          websocket.NewServer(b, cfg.allowedOrigins, logger),
		JWT:         jwtMgr,
		Registry:    reg,
		Logger:      logger,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		RequireAuth: cfg.requireAuth,
	})
	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down switchboard")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Broker first: hijacked WebSocket connections are not tracked by
		// http.Server.Shutdown and would otherwise hold it open.
		brokerErr := b.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Join(brokerErr, fmt.Errorf("http shutdown: %w", err))
		}
		return brokerErr
	})

	if err := g.Wait(); err != nil {
		logger.Error("switchboard stopped with error", zap.Error(err))
		return err
	}
	logger.Info("switchboard stopped")
	return nil
}

// loadJWT loads the key pair from disk when both paths are set and falls
// back to an ephemeral key pair otherwise.
func loadJWT(cfg *config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		m, err := auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to load JWT keys: %w", err)
		}
		return m, nil
	}
	if cfg.jwtPrivateKey != "" || cfg.jwtPublicKey != "" {
		return nil, errors.New("--jwt-private-key and --jwt-public-key must be set together")
	}

	logger.Warn("no JWT key pair configured, using an ephemeral key; tokens will not survive a restart")
	m, err := auth.NewJWTManagerGenerated(cfg.jwtIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT keys: %w", err)
	}
	return m, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return cfg.Build()
}
