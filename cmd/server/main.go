package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	"github.com/buildpm/approval-engine/internal/application/engine"
	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/application/registry"
	"github.com/buildpm/approval-engine/internal/config"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/infrastructure/directory"
	"github.com/buildpm/approval-engine/internal/infrastructure/external/lark"
	"github.com/buildpm/approval-engine/internal/infrastructure/notify"
	"github.com/buildpm/approval-engine/internal/infrastructure/persistence/repository"
	"github.com/buildpm/approval-engine/internal/infrastructure/persistence/sqlite"
	httpapi "github.com/buildpm/approval-engine/internal/interfaces/http"
	"github.com/buildpm/approval-engine/internal/worker"
	"github.com/buildpm/approval-engine/pkg/database"
	"github.com/buildpm/approval-engine/pkg/utils"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting approval workflow engine",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Repositories and transaction manager share one connection pool
	txManager := sqlite.NewDB(db.DB, logger)
	templateRepo := repository.NewTemplateRepository(db.DB, logger)
	instanceRepo := repository.NewInstanceRepository(db.DB, logger)
	stepRepo := repository.NewStepRepository(db.DB, logger)
	notificationRepo := repository.NewNotificationLogRepository(db.DB, logger)
	identityDir := directory.NewSQLiteDirectory(db.DB, logger)

	eventDispatcher := dispatcher.NewDispatcher(
		dispatcher.WithLogger(utils.NewZapKVAdapter(logger)),
	)
	defer eventDispatcher.Close()

	sink := buildSink(cfg, logger)
	bridge := notify.NewBridge(sink, identityDir, notificationRepo, logger)
	bridge.Register(eventDispatcher)

	templateRegistry := registry.NewRegistry(templateRepo, logger)

	workflowEngine := engine.NewEngine(
		templateRepo,
		instanceRepo,
		stepRepo,
		txManager,
		eventDispatcher,
		identityDir,
		logger,
		engine.WithCASRetries(cfg.Engine.CASRetries),
		// Default resolver for DYNAMIC steps: the project owner is the
		// first holder of the project_owner role in the company. Replace
		// per deployment when ownership lives elsewhere.
		engine.WithDynamicResolver("project_owner", projectOwnerResolver(identityDir)),
	)

	sweeper := worker.NewDeadlineSweeper(
		instanceRepo,
		stepRepo,
		templateRepo,
		workflowEngine,
		eventDispatcher,
		worker.SweeperConfig{
			Schedule:    cfg.Scheduler.Schedule,
			Grace:       cfg.Scheduler.Grace,
			ReminderCap: cfg.Scheduler.ReminderCap,
			BatchSize:   cfg.Scheduler.BatchSize,
		},
		logger,
	)

	workerManager := worker.NewManager(logger)
	workerManager.Register(sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := workerManager.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}
	defer workerManager.StopAll()

	server := httpapi.NewServer(
		httpapi.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		templateRegistry,
		workflowEngine,
		notificationRepo,
		utils.NewZapKVAdapter(logger),
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutting down server...")
		cancel()
		<-serverErr
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func projectOwnerResolver(dir port.IdentityDirectory) port.DynamicResolver {
	return func(ctx context.Context, companyID, requestID string, step entity.ApprovalStepDefinition) (string, error) {
		users, err := dir.UsersWithRole(ctx, companyID, "project_owner")
		if err != nil {
			return "", err
		}
		if len(users) == 0 {
			return "", fmt.Errorf("company %s has no project_owner", companyID)
		}
		return users[0], nil
	}
}

// buildSink selects the outbound notification channel from config
func buildSink(cfg *config.Config, logger *zap.Logger) port.NotificationSink {
	if cfg.Notifier.Mode == "lark" {
		client := lark.NewClient(lark.Config{
			AppID:     cfg.Notifier.Lark.AppID,
			AppSecret: cfg.Notifier.Lark.AppSecret,
		}, logger)
		return lark.NewSink(client, logger)
	}
	return notify.NewLogSink(logger)
}
