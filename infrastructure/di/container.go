// Package di wires the process together.
package di

import (
	"papervault/application/sessions"
	"papervault/infrastructure/config"
	"papervault/infrastructure/resilience"
	"papervault/interfaces/http/rest"
	"papervault/interfaces/websocket"
	"papervault/pkg/observability"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Container holds all application dependencies
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Breaker  *resilience.Breaker
	Sessions *sessions.Manager
	Watcher  ConfigWatcher
	Hub      *websocket.Hub
	Router   *rest.Router
}
