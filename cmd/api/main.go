package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	adactor "github.com/berfenger/autarco2mqtt/internal/adapter/actor"
	"github.com/berfenger/autarco2mqtt/internal/config"
	"github.com/berfenger/autarco2mqtt/internal/core/actor"
	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/service"
	"github.com/berfenger/autarco2mqtt/internal/server"
	"github.com/berfenger/autarco2mqtt/internal/util/actorutil"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	slog.Info("Using", "config", cfg.Redacted())

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	// autarco client and coordinator
	client := autarco.NewClient(cfg.Autarco.Email, cfg.Autarco.Password,
		autarco.WithBaseURL(cfg.Autarco.BaseURL),
		autarco.WithTimeout(cfg.Autarco.Timeout()),
		autarco.WithUserAgent("autarco2mqtt/"+versioninfo.Short()),
		autarco.WithLogger(logger),
	)
	fetcher := service.NewAutarcoFetcher(client, *cfg, logger)

	coordinator, err := actor.NewCoordinator(as, fetcher, actor.CoordinatorConfigFrom(*cfg), logger)
	if err != nil {
		logger.Error("could not create coordinator", zap.Error(err))
		as.Shutdown()
		os.Exit(1)
	}

	firstCtx, cancelFirst := context.WithTimeout(context.Background(), actor.CoordinatorConfigFrom(*cfg).RefreshTimeout)
	err = coordinator.FirstRefresh(firstCtx)
	cancelFirst()
	if err != nil {
		logger.Error("first refresh failed", zap.Error(err))
		as.Shutdown()
		os.Exit(1)
	}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, coordinator, coordinator.PID(), mqttActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Error("could not spawn master actor", zap.Error(err))
		coordinator.Close()
		as.Shutdown()
		os.Exit(1)
	}

	server := server.NewServer(*cfg, ctx, pid, coordinator)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	if err := ctx.StopFuture(pid).Wait(); err != nil {
		logger.Warn("master actor did not stop", zap.Error(err))
	}
	coordinator.Close()
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => AUTARCO2MQTT_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("AUTARCO2MQTT_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("autarco2mqtt")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel = config.ParseLogLevel(viper.GetString("log_level"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func() *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("autarco.email", "")
	viper.SetDefault("autarco.password", "")
	viper.SetDefault("autarco.public_key", "")
	viper.SetDefault("autarco.base_url", autarco.DefaultBaseURL)
	viper.SetDefault("autarco.timeout_millis", 10000)
	viper.SetDefault("monitor.poll_interval_millis", 300000)
	viper.SetDefault("monitor.stale_factor", 3)
	viper.SetDefault("monitor.fetch_account", false)
	viper.SetDefault("monitor.fetch_inverters", false)
	viper.SetDefault("mqtt.host", "localhost")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.base_topic", "autarco")
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("mqtt.ha_discovery_republish_cron", "0 0 4 * * *")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)
}
