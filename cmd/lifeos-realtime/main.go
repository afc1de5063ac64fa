package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jondeardeuff/lifeos-sub003/internal/auth"
	"github.com/jondeardeuff/lifeos-sub003/internal/config"
	"github.com/jondeardeuff/lifeos-sub003/internal/hub"
	"github.com/jondeardeuff/lifeos-sub003/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lifeos-realtime",
		Short: "LifeOS realtime synchronization gateway",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared counters and presence")
	cmd.PersistentFlags().String("gateway-id", defaults.GetString("gateway.id"), "Gateway identity (defaults to a generated id)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "gateway.id", "gateway-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	gatewayID := appConfig.GatewayID
	if gatewayID == "" {
		gatewayID = "gateway-" + uuid.NewString()
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, gatewayID)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	var counterStore hub.CounterStore
	if appConfig.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		defer redisClient.Close()
		counterStore = hub.NewRedisCounterStore(redisClient)
		logger.Info("using shared redis counters", zap.String("address", appConfig.RedisAddress))
	} else {
		counterStore = hub.NewMemoryCounterStore(nil)
		logger.Warn("redis not configured, rate limits and presence are gateway-local")
	}

	limiter, err := hub.NewLimiter(hub.LimiterConfig{
		Store:  counterStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	mirror := hub.NewPresenceMirror(hub.PresenceMirrorConfig{
		Client:    redisClient,
		GatewayID: gatewayID,
		Logger:    logger,
	})

	gatewayHub, err := hub.NewHub(hub.Config{
		Verifier:          verifier,
		Limiter:           limiter,
		Mirror:            mirror,
		Logger:            logger,
		GatewayID:         gatewayID,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		SendQueueDepth:    appConfig.SendQueueDepth,
		StaleThreshold:    appConfig.PresenceStaleThreshold,
		SweepEvery:        appConfig.PresenceUpdateInterval,
	})
	if err != nil {
		return err
	}
	defer gatewayHub.Close()

	broadcaster, err := hub.NewBroadcaster(hub.BroadcasterConfig{
		Hub:          gatewayHub,
		Logger:       logger,
		BulkMaxItems: appConfig.BulkMaxItems,
	})
	if err != nil {
		return err
	}

	handler, err := hub.NewHTTPHandler(hub.Dependencies{
		Hub:         gatewayHub,
		Broadcaster: broadcaster,
		Limiter:     limiter,
		Logger:      logger,
		ClientDefaults: hub.ClientDefaults{
			HeartbeatIntervalMs:      appConfig.HeartbeatInterval.Milliseconds(),
			PresenceUpdateIntervalMs: appConfig.PresenceUpdateInterval.Milliseconds(),
			ActivityThresholdMs:      appConfig.ActivityThreshold.Milliseconds(),
			ReconnectBaseDelayMs:     appConfig.ReconnectBaseDelay.Milliseconds(),
			ReconnectMaxAttempts:     appConfig.ReconnectMaxAttempts,
			SubscriptionMaxRetries:   appConfig.SubscriptionMaxRetries,
		},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
