package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/types"
	"github.com/docsense/docsense-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgresService connects to Postgres by default. DB_DRIVER=sqlite selects
// a local sqlite file instead (DB_PATH, default docsense.db) for development;
// both enforce the same unique constraint on content_hash.
func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	driver := utils.GetEnv("DB_DRIVER", "postgres", log)

	var (
		gormDB *gorm.DB
		err    error
	)
	switch driver {
	case "sqlite":
		path := utils.GetEnv("DB_PATH", "docsense.db", log)
		log.Info("Connecting to sqlite...", "path", path)
		gormDB, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
		if err != nil {
			log.Error("Failed to connect to sqlite", "error", err)
			return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
		}
	default:
		postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
		postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
		postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		postgresName := utils.GetEnv("POSTGRES_NAME", "docsense", log)

		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

		log.Info("Connecting to Postgres...")
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err != nil {
			log.Error("Failed to connect to Postgres", "error", err)
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
	}

	return &PostgresService{db: gormDB, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	if err := s.db.AutoMigrate(
		&types.Document{},
	); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
