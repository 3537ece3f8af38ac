package notifications

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DeliveryRecorder persists delivery attempts.
type DeliveryRecorder interface {
	Record(ctx context.Context, entries []DeliveryLog) error
}

// GormDeliveryLog stores delivery attempts through gorm.
type GormDeliveryLog struct {
	db *gorm.DB
}

// OpenPostgres opens a gorm handle for the delivery log.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open delivery log database: %w", err)
	}
	return db, nil
}

func NewGormDeliveryLog(db *gorm.DB) (*GormDeliveryLog, error) {
	if err := db.AutoMigrate(&DeliveryLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate delivery log: %w", err)
	}
	return &GormDeliveryLog{db: db}, nil
}

func (l *GormDeliveryLog) Record(ctx context.Context, entries []DeliveryLog) error {
	if len(entries) == 0 {
		return nil
	}
	return l.db.WithContext(ctx).Create(&entries).Error
}

// ListByRequest returns delivery attempts for a signature request, oldest first.
func (l *GormDeliveryLog) ListByRequest(ctx context.Context, requestID string) ([]DeliveryLog, error) {
	var logs []DeliveryLog
	err := l.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
