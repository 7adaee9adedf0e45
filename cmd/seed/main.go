// Seed loads approval flow templates and role assignments from a YAML file
// into the local store. Template authoring happens elsewhere; this is the
// operational path for getting a fresh environment ready.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/config"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/infrastructure/directory"
	"github.com/buildpm/approval-engine/internal/infrastructure/persistence/repository"
	"github.com/buildpm/approval-engine/pkg/database"
	"github.com/buildpm/approval-engine/pkg/utils"
)

type seedFile struct {
	Templates  []seedTemplate  `mapstructure:"templates"`
	Roles      []seedRole      `mapstructure:"roles"`
	Requesters []seedRequester `mapstructure:"requesters"`
}

type seedTemplate struct {
	CompanyID         string     `mapstructure:"company_id"`
	Category          string     `mapstructure:"category"`
	RequestType       string     `mapstructure:"request_type"`
	Version           int        `mapstructure:"version"`
	MinAmountCents    int64      `mapstructure:"min_amount_cents"`
	MaxAmountCents    int64      `mapstructure:"max_amount_cents"`
	AllowResubmission bool       `mapstructure:"allow_resubmission"`
	Steps             []seedStep `mapstructure:"steps"`
}

type seedStep struct {
	ApproverKind string        `mapstructure:"approver_kind"`
	UserID       string        `mapstructure:"user_id"`
	Role         string        `mapstructure:"role"`
	ResolverKey  string        `mapstructure:"resolver_key"`
	Deadline     time.Duration `mapstructure:"deadline"`
	Escalation   string        `mapstructure:"escalation"`
}

type seedRole struct {
	CompanyID string `mapstructure:"company_id"`
	Role      string `mapstructure:"role"`
	UserID    string `mapstructure:"user_id"`
}

// seedRequester maps a request to its requester for environments where the
// upstream request service is not wired in
type seedRequester struct {
	RequestID   string `mapstructure:"request_id"`
	RequesterID string `mapstructure:"requester_id"`
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to server config")
	seedPath := flag.String("file", "configs/templates.yaml", "path to seed file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: "stdout",
		Format:     "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	seed, err := loadSeedFile(*seedPath)
	if err != nil {
		logger.Fatal("Failed to load seed file", zap.String("file", *seedPath), zap.Error(err))
	}

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

	templateRepo := repository.NewTemplateRepository(db.DB, logger)
	identityDir := directory.NewSQLiteDirectory(db.DB, logger)

	ctx := context.Background()

	for _, st := range seed.Templates {
		tmpl, err := toTemplate(st)
		if err != nil {
			logger.Fatal("Invalid template definition",
				zap.String("company_id", st.CompanyID),
				zap.String("category", st.Category),
				zap.Error(err))
		}
		if err := templateRepo.Create(ctx, tmpl); err != nil {
			logger.Fatal("Failed to create template", zap.Error(err))
		}
		logger.Info("Template seeded",
			zap.Int64("id", tmpl.ID),
			zap.String("company_id", tmpl.CompanyID),
			zap.String("category", tmpl.Category),
			zap.Int("steps", len(tmpl.Steps)))
	}

	for _, role := range seed.Roles {
		if err := identityDir.AssignRole(ctx, role.CompanyID, role.Role, role.UserID); err != nil {
			logger.Fatal("Failed to assign role", zap.Error(err))
		}
	}

	for _, req := range seed.Requesters {
		if err := identityDir.UpsertRequester(ctx, req.RequestID, req.RequesterID); err != nil {
			logger.Fatal("Failed to record requester", zap.Error(err))
		}
	}

	logger.Info("Seeding completed",
		zap.Int("templates", len(seed.Templates)),
		zap.Int("roles", len(seed.Roles)),
		zap.Int("requesters", len(seed.Requesters)))
}

func loadSeedFile(path string) (*seedFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed seedFile
	if err := v.Unmarshal(&seed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed file: %w", err)
	}

	return &seed, nil
}

func toTemplate(st seedTemplate) (*entity.ApprovalFlowTemplate, error) {
	if len(st.Steps) == 0 {
		return nil, fmt.Errorf("template has no steps")
	}

	version := st.Version
	if version == 0 {
		version = 1
	}

	steps := make([]entity.ApprovalStepDefinition, 0, len(st.Steps))
	for i, ss := range st.Steps {
		def := entity.ApprovalStepDefinition{
			Position: i,
			Approver: entity.ApproverRule{
				Kind:        ss.ApproverKind,
				UserID:      ss.UserID,
				Role:        ss.Role,
				ResolverKey: ss.ResolverKey,
			},
			Deadline:   ss.Deadline,
			Escalation: ss.Escalation,
		}
		if def.Escalation == "" {
			def.Escalation = entity.EscalationNone
		}
		if err := validateStep(def); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, def)
	}

	return &entity.ApprovalFlowTemplate{
		CompanyID:         st.CompanyID,
		Category:          st.Category,
		RequestType:       st.RequestType,
		Version:           version,
		MinAmountCents:    st.MinAmountCents,
		MaxAmountCents:    st.MaxAmountCents,
		AllowResubmission: st.AllowResubmission,
		Steps:             steps,
		Active:            true,
		CreatedAt:         time.Now(),
	}, nil
}

func validateStep(def entity.ApprovalStepDefinition) error {
	switch def.Approver.Kind {
	case entity.ApproverFixed:
		if def.Approver.UserID == "" {
			return fmt.Errorf("fixed approver requires user_id")
		}
	case entity.ApproverRole:
		if def.Approver.Role == "" {
			return fmt.Errorf("role approver requires role")
		}
	case entity.ApproverDynamic:
		if def.Approver.ResolverKey == "" {
			return fmt.Errorf("dynamic approver requires resolver_key")
		}
	default:
		return fmt.Errorf("unknown approver kind %q", def.Approver.Kind)
	}

	switch def.Escalation {
	case entity.EscalationNone, entity.EscalationNotifyOnly,
		entity.EscalationAutoSkip, entity.EscalationAutoReject:
	default:
		return fmt.Errorf("unknown escalation policy %q", def.Escalation)
	}

	if def.Escalation != entity.EscalationNone && def.Deadline <= 0 {
		return fmt.Errorf("escalation policy %s requires a deadline", def.Escalation)
	}

	return nil
}
