package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Release struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Tag         string            `gorm:"type:text;uniqueIndex;not null"`
	Name        string            `gorm:"type:text;not null"`
	ApkName     string            `gorm:"type:text;not null"`
	ApkURL      string            `gorm:"type:text;not null"`
	ApkHash     *string           `gorm:"type:text;index"`
	ApkSize     *int64            `gorm:"type:bigint"`
	Status      string            `gorm:"type:text;not null;default:'pending';index"`
	Error       *string           `gorm:"type:text"`
	Source      string            `gorm:"type:text;not null"`
	Meta        datatypes.JSONMap `gorm:"type:jsonb"`
	PublishedAt time.Time         `gorm:"type:timestamptz"`
	DetectedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(&Release{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&Release{})
}
