// Package config loads accessgrid configuration from environment variables.
//
// # Overview
//
// Settings are read with github.com/kelseyhightower/envconfig under the
// ACCESSGRID prefix, with defaults from struct tags, and then checked by
// Validate.
//
// # Configuration Structure
//
// Server settings (health and metrics listener):
//
//	ACCESSGRID_SERVER_ADDR=":9090"
//	ACCESSGRID_SERVER_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	ACCESSGRID_STORAGE_TYPE="postgres"  # memory, sqlite, postgres
//	ACCESSGRID_STORAGE_URL="postgres://localhost/accessgrid"
//	ACCESSGRID_STORAGE_REDIS_URL="redis://localhost:6379"
//	ACCESSGRID_STORAGE_CACHE_SIZE="10000"
//
// Engine settings:
//
//	ACCESSGRID_ENGINE_ROLE_INHERITANCE="false"
//	ACCESSGRID_ENGINE_SWEEP_SCHEDULE="@every 1m"
//	ACCESSGRID_ENGINE_SEED_PATH="/etc/accessgrid/catalog.yaml"
//	ACCESSGRID_ENGINE_SEED_WATCH="true"
//
// Observability settings:
//
//	ACCESSGRID_OBSERVABILITY_LOG_LEVEL="info"  # debug, info, warn, error
//	ACCESSGRID_OBSERVABILITY_LOG_FORMAT="json" # json, text
//	ACCESSGRID_OBSERVABILITY_OTEL_ENABLED="true"
//	ACCESSGRID_OBSERVABILITY_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger, err := observability.NewLogger(cfg.Observability.LogConfig())
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
