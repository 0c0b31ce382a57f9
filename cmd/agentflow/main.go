// =============================================================================
// Gateway entry point
// =============================================================================
// Loads config, opens the relational store, builds the provider registry
// from the gw_providers table, and serves the HTTP API.
//
// Usage:
//
//	agentflow serve                       # start the gateway
//	agentflow serve --config config.yaml  # use a specific config file
//	agentflow version                     # print version info
//	agentflow health                      # probe a running gateway's /health
//	agentflow migrate up                  # apply database migrations
//	agentflow migrate down                # roll back the last migration
//	agentflow migrate status              # show migration status
// =============================================================================

// @title Gateway API
// @version 1.0.0
// @description A multi-backend LLM gateway: one OpenAI-compatible surface
// @description that dispatches chat completions across OpenAI, Anthropic,
// @description and Gemini backends with health-aware load balancing,
// @description retry/fallback, and streaming token accounting.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agentflow/gateway/config"
	"github.com/agentflow/gateway/internal/telemetry"
	"github.com/agentflow/gateway/models"
	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/providers/anthropic"
	"github.com/agentflow/gateway/providers/gemini"
	"github.com/agentflow/gateway/providers/openaicompat"
)

// =============================================================================
// Version info (build-time injected via ldflags)
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// serve command
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}

	if err := models.AutoMigrate(db); err != nil {
		logger.Fatal("database auto-migrate failed", zap.Error(err))
	}

	registry := providers.NewRegistry()
	factory := buildFactory()
	if err := bootstrapProviders(db, factory, registry, cfg.Gateway.DefaultRequestTimeout, logger); err != nil {
		logger.Error("failed to bootstrap providers from database", zap.Error(err))
	}

	srv := NewServer(cfg, *configPath, logger, otelProviders, db, registry)

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()

	logger.Info("gateway stopped")
}

// buildFactory registers one constructor per supported vendor type. The
// "openai" and "openaicompat" types share the same adapter: both speak
// the OpenAI chat completions wire format, the former for api.openai.com
// itself and the latter for any compatible self-hosted or third-party
// endpoint.
func buildFactory() *providers.Factory {
	f := providers.NewFactory()
	f.Register("openai", openaicompat.New)
	f.Register("openaicompat", openaicompat.New)
	f.Register("claude", anthropic.New)
	f.Register("gemini", gemini.New)
	return f
}

// bootstrapProviders constructs one vendor adapter per enabled row in
// gw_providers and registers it under its configured name. Rows with an
// unsupported type are logged and skipped rather than aborting startup.
func bootstrapProviders(db *gorm.DB, factory *providers.Factory, registry *providers.Registry, timeout time.Duration, logger *zap.Logger) error {
	var rows []models.Provider
	if err := db.Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return fmt.Errorf("query gw_providers: %w", err)
	}

	for _, row := range rows {
		cfg := providers.Config{
			APIKey:  row.APIKey,
			BaseURL: row.BaseURL,
			Timeout: timeout,
		}
		p, err := factory.Create(row.Type, row.Name, cfg, logger)
		if err != nil {
			logger.Error("skipping provider with unsupported type",
				zap.String("name", row.Name), zap.String("type", row.Type), zap.Error(err))
			continue
		}
		registry.Register(row.Name, p)
		logger.Info("provider registered", zap.String("name", row.Name), zap.String("type", row.Type))
	}

	return nil
}

// =============================================================================
// health command
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// version and usage
// =============================================================================

func printVersion() {
	fmt.Printf("gateway %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`gateway - multi-backend LLM gateway

Usage:
  agentflow <command> [options]

Commands:
  serve     Start the gateway server
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version

Examples:
  agentflow serve
  agentflow serve --config /etc/gateway/config.yaml
  agentflow migrate up
  agentflow migrate status
  agentflow health --addr http://localhost:8080
  agentflow version`)
}

// =============================================================================
// logger initialization
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}

// openDatabase opens a gorm.DB for the configured driver.
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	case "mysql":
		dialector = mysql.Open(dbCfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
