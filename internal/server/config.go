package server

import (
	"github.com/raysh454/uatu/internal/app"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/metrics"
)

type Config struct {
	// ListenAddr defaults to AppConfig.Server.Addr.
	ListenAddr string
	AppConfig  *app.Config
	Logger     logging.Logger
	// Metrics is created when nil.
	Metrics *metrics.PipelineMetrics
	// Deps replaces the orchestrator's external tools.
	Deps *app.Deps
}
