package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/config"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/internal/metrics"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	port        uint
	httpLog     bool
	rootContext *actor.RootContext
	masterActor *actor.PID
	source      port.SnapshotSource
	registry    *prometheus.Registry
}

func New(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID, source port.SnapshotSource) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(source))
	return &Server{
		port:        cfg.Port,
		httpLog:     cfg.HttpLog,
		rootContext: rootContext,
		masterActor: masterActor,
		source:      source,
		registry:    registry,
	}
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID, source port.SnapshotSource) *http.Server {
	newServer := New(cfg, rootContext, masterActor, source)

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", newServer.port),
		Handler:      newServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}
