package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-threads/internal/api"
	"github.com/npezzotti/go-threads/internal/broker"
	"github.com/npezzotti/go-threads/internal/config"
	"github.com/npezzotti/go-threads/internal/database"
	"github.com/npezzotti/go-threads/internal/media"
	"github.com/npezzotti/go-threads/internal/presence"
	"github.com/npezzotti/go-threads/internal/server"
	"github.com/npezzotti/go-threads/internal/stats"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	natsURL        string
	redisAddr      string
	mediaURL       string
	logFormat      string
	typingTimeout  time.Duration
	allowedOrigins stringSliceFlag
)

// envOr returns the environment variable when set, def otherwise.
func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func newLogger(format string) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	switch format {
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	return zap.New(core, zap.AddCaller()), nil
}

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", envOr("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("SIGNING_KEY", ""), "base64 encoded key verifying session tokens")
	flag.StringVar(&natsURL, "nats-url", envOr("NATS_URL", ""), "NATS server for cross-instance delivery (optional)")
	flag.StringVar(&redisAddr, "redis-addr", envOr("REDIS_ADDR", ""), "Redis address of the shared online-user directory (optional)")
	flag.StringVar(&mediaURL, "media-url", envOr("MEDIA_URL", ""), "base URL of the media service (optional)")
	flag.StringVar(&logFormat, "log-format", "console", "log encoding: console or json")
	flag.DurationVar(&typingTimeout, "typing-timeout", config.DefaultTypingTimeout, "silence after which a typing indicator is cleared")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	zl, err := newLogger(logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatalw("config", "error", err)
	}
	if err := cfg.WithTypingTimeout(typingTimeout); err != nil {
		logger.Fatalw("config", "error", err)
	}
	cfg.NatsURL = natsURL
	cfg.RedisAddr = redisAddr
	cfg.MediaURL = mediaURL

	dbConn, err := database.NewPgThreadsRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalw("db open", "error", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Errorw("db close", "error", err)
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatalw("db migrate", "error", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	opts := []server.Option{server.WithTypingTimeout(cfg.TypingTimeout)}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatalw("redis ping", "addr", cfg.RedisAddr, "error", err)
		}

		opts = append(opts, server.WithDirectory(presence.NewRedisDirectory(rdb, "")))
		logger.Infow("shared online directory enabled", "addr", cfg.RedisAddr)
	}

	if cfg.NatsURL != "" {
		host, _ := os.Hostname()
		b, err := broker.ConnectNATS(broker.NATSConfig{
			URL:  cfg.NatsURL,
			Name: "go-threads@" + host,
		}, statsUpdater)
		if err != nil {
			logger.Fatalw("nats", "url", cfg.NatsURL, "error", err)
		}
		defer b.Close()

		opts = append(opts, server.WithBroker(b))
		logger.Infow("cross-instance delivery enabled", "url", cfg.NatsURL)
	}

	if cfg.MediaURL != "" {
		store, err := media.NewHTTPStore(cfg.MediaURL, nil)
		if err != nil {
			logger.Fatalw("media store", "error", err)
		}
		opts = append(opts, server.WithMediaStore(store))
	}

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater, opts...)
	if err != nil {
		logger.Fatalw("new chat server", "error", err)
	}

	srv := api.NewGoThreadsApp(mux, logger, chatServer, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("server", "error", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("chat server shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}
