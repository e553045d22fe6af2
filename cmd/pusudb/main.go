// Command pusudb serves an ordered key-value store over HTTP, WebSocket and
// Server-Sent Events, pushing every mutation to the subscribers of its key.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/yamigr/pusudb"
	"github.com/yamigr/pusudb/distributed"
	"github.com/yamigr/pusudb/metrics"
	"github.com/yamigr/pusudb/storage"
	"github.com/yamigr/pusudb/storage/boltdb"
	"github.com/yamigr/pusudb/storage/memory"
	"github.com/yamigr/pusudb/storage/redisdb"
	"github.com/yamigr/pusudb/storage/storelogger"
)

// Config is the process configuration, read from flags, PUSUDB_* variables
// and an optional config file.
type Config struct {
	Addrs    []string
	Prefix   string
	UniqueID string

	Backend   string
	BoltPath  string
	RedisAddr string

	AllowedDatabases []string
	BlockedDatabases []string
	Echo             bool
	AllowedOrigins   []string
	CORSAllowOrigin  string

	RateLimit float64
	RateBurst int

	Relay       bool
	MetricsAddr string

	LogLevel       string
	LogDevelopment bool
}

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "pusudb",
		Short: "Key-value store with publish and subscribe over HTTP and WebSocket",
		RunE:  cmdRun,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file")
	flags.StringSlice("addr", []string{":3000"}, "addresses to listen on, mutations are shared between them")
	flags.String("prefix", "/api", "path the API is served under")
	flags.String("unique-id", storage.DefaultUniqueID, "placeholder replaced by a generated key on put")
	flags.String("storage.backend", "memory", "storage backend: memory, bolt or redis")
	flags.String("storage.bolt-path", "pusudb.db", "bolt database file")
	flags.String("storage.redis-addr", "localhost:6379", "redis address for the redis backend and the relay")
	flags.StringSlice("databases.allow", nil, "only serve these databases")
	flags.StringSlice("databases.block", nil, "never serve these databases")
	flags.Bool("echo", false, "deliver notifications to the connection that caused them")
	flags.StringSlice("origins", nil, "allowed WebSocket origins, all when empty")
	flags.String("cors", "", "Access-Control-Allow-Origin for the HTTP API")
	flags.Float64("rate.limit", 0, "requests per second per client, unlimited when 0")
	flags.Int("rate.burst", 20, "request burst per client")
	flags.Bool("relay", false, "relay mutations to other processes through redis")
	flags.String("metrics.addr", "", "address serving Prometheus metrics, disabled when empty")
	flags.String("log.level", "info", "log level")
	flags.Bool("log.development", false, "human readable development logs")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func initConfig() {
	viper.SetEnvPrefix("pusudb")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to read config:", err)
			os.Exit(1)
		}
	}
}

func loadConfig() Config {
	return Config{
		Addrs:            viper.GetStringSlice("addr"),
		Prefix:           viper.GetString("prefix"),
		UniqueID:         viper.GetString("unique-id"),
		Backend:          viper.GetString("storage.backend"),
		BoltPath:         viper.GetString("storage.bolt-path"),
		RedisAddr:        viper.GetString("storage.redis-addr"),
		AllowedDatabases: viper.GetStringSlice("databases.allow"),
		BlockedDatabases: viper.GetStringSlice("databases.block"),
		Echo:             viper.GetBool("echo"),
		AllowedOrigins:   viper.GetStringSlice("origins"),
		CORSAllowOrigin:  viper.GetString("cors"),
		RateLimit:        viper.GetFloat64("rate.limit"),
		RateBurst:        viper.GetInt("rate.burst"),
		Relay:            viper.GetBool("relay"),
		MetricsAddr:      viper.GetString("metrics.addr"),
		LogLevel:         viper.GetString("log.level"),
		LogDevelopment:   viper.GetBool("log.development"),
	}
}

func newLogger(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewProductionConfig()
	if config.LogDevelopment {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)

	return logConfig.Build()
}

func openStore(ctx context.Context, log *zap.Logger, config Config, client *redis.Client) (*storage.DB, error) {
	var opener storage.Opener
	switch config.Backend {
	case "memory":
		opener = memory.NewOpener()
	case "bolt":
		bolt, err := boltdb.New(log.Named("boltdb"), config.BoltPath)
		if err != nil {
			return nil, err
		}
		opener = bolt
	case "redis":
		redisStore, err := redisdb.New(ctx, log.Named("redisdb"), client, redisdb.DefaultPrefix)
		if err != nil {
			return nil, err
		}
		opener = redisStore
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Backend)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		opener = storelogger.NewOpener(log.Named("kv"), opener)
	}
	return storage.NewDB(log.Named("storage"), opener, storage.Config{UniqueID: config.UniqueID}), nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	config := loadConfig()

	log, err := newLogger(config)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var client *redis.Client
	if config.Backend == "redis" || config.Relay {
		client = redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if config.Backend != "redis" {
			defer func() { _ = client.Close() }()
		}
	}

	db, err := openStore(ctx, log, config, client)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, db.Close()) }()

	options := pusudb.DefaultOptions()
	options.Prefix = config.Prefix
	options.AllowedDatabases = config.AllowedDatabases
	options.BlockedDatabases = config.BlockedDatabases
	options.EchoToOrigin = config.Echo
	options.CheckOrigin = len(config.AllowedOrigins) > 0
	options.AllowedOrigins = config.AllowedOrigins
	options.CORSAllowOrigin = config.CORSAllowOrigin
	options.Logger = log

	hooks := &pusudb.Hooks{}
	if config.RateLimit > 0 {
		hooks.RateLimiter = pusudb.NewTokenBucketLimiter(config.RateLimit, config.RateBurst, 10*time.Minute)
	}
	collector := metrics.NewCollector()
	if config.MetricsAddr != "" {
		hooks.Metrics = collector
	}
	if hooks.RateLimiter != nil || hooks.Metrics != nil {
		options.Hooks = hooks
	}

	switch {
	case config.Relay:
		relay, err := distributed.NewRedisPubSub(ctx, log, client)
		if err != nil {
			return err
		}
		defer func() { _ = relay.Close() }()

		options.PubSub = relay
	case len(config.Addrs) > 1:
		local := pusudb.NewLocalPubSub(log, 0)
		defer func() { _ = local.Close() }()

		options.PubSub = local
	}

	servers := make([]*pusudb.Server, 0, len(config.Addrs))
	for _, addr := range config.Addrs {
		server, err := pusudb.NewServer(&pusudb.ServerOptions{
			Options:           options,
			ServerAddr:        addr,
			ServerReadTimeout: 30 * time.Second,
			ServerIdleTimeout: 2 * time.Minute,
		}, db)
		if err != nil {
			return err
		}
		servers = append(servers, server)
	}

	group, ctx := errgroup.WithContext(ctx)
	for i, server := range servers {
		group.Go(func() error {
			log.Info("serving", zap.String("addr", config.Addrs[i]), zap.String("prefix", config.Prefix), zap.String("backend", config.Backend))

			return server.Listen(ctx)
		})
	}

	if config.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		group.Go(func() error {
			log.Info("serving metrics", zap.String("addr", config.MetricsAddr))

			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
