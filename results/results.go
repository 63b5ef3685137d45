// Package results persists per-epoch training outcomes to MySQL so runs can
// be compared outside the checkpoint directory.
package results

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tsawler/ct-classifier/training"
)

var ErrDBNotInitialized = errors.New("results database is not initialized")

// EpochResult is one row per completed epoch.
type EpochResult struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID        string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_run_epoch" json:"run_id"`
	Epoch        int       `gorm:"not null;uniqueIndex:idx_run_epoch" json:"epoch"`
	LossTrain    float64   `gorm:"not null" json:"loss_train"`
	LossVal      float64   `gorm:"not null" json:"loss_val"`
	OATrain      float64   `gorm:"column:oa_train;not null" json:"oa_train"`
	OAVal        float64   `gorm:"column:oa_val;not null" json:"oa_val"`
	SkippedSteps int       `gorm:"not null;default:0" json:"skipped_steps"`
	Scale        float64   `json:"scale"`
	Location     string    `gorm:"type:varchar(512)" json:"location"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (EpochResult) TableName() string {
	return "ct_epoch_result"
}

// FromRecord converts a training record into a row.
func FromRecord(rec training.EpochRecord) *EpochResult {
	return &EpochResult{
		RunID:        rec.RunID,
		Epoch:        rec.Epoch,
		LossTrain:    rec.Train.Loss,
		LossVal:      rec.Val.Loss,
		OATrain:      rec.Train.Accuracy,
		OAVal:        rec.Val.Accuracy,
		SkippedSteps: rec.Train.SkippedSteps,
		Scale:        rec.Scale,
		Location:     rec.Location,
		CreatedAt:    rec.CreatedAt,
	}
}

// Open connects to MySQL and creates the results table when it is missing.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB failed: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("mysql ping failed: %w", err)
	}

	if err := ensureTable(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func ensureTable(db *gorm.DB) error {
	if db.Migrator().HasTable(&EpochResult{}) {
		return nil
	}
	if err := db.AutoMigrate(&EpochResult{}); err != nil {
		return fmt.Errorf("auto migrate %s failed: %w", EpochResult{}.TableName(), err)
	}
	return nil
}

// Recorder writes epoch records through gorm. It satisfies
// training.ResultSink.
type Recorder struct {
	DB     *gorm.DB
	logger *slog.Logger
}

func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{DB: db, logger: logger.With("component", "results")}
}

// RecordEpoch inserts one row for rec.
func (r *Recorder) RecordEpoch(ctx context.Context, rec training.EpochRecord) error {
	row := FromRecord(rec)
	tx, err := r.create(ctx, row)
	if err != nil {
		return err
	}
	if tx.Error != nil {
		r.logger.Error("save epoch result failed", "run_id", row.RunID, "epoch", row.Epoch, "error", tx.Error)
		return fmt.Errorf("save epoch result failed: %w", tx.Error)
	}
	r.logger.Debug("saved epoch result", "run_id", row.RunID, "epoch", row.Epoch, "id", row.ID)
	return nil
}

// Epochs returns the rows of a run ordered by epoch.
func (r *Recorder) Epochs(ctx context.Context, runID string) ([]EpochResult, error) {
	conn, err := r.withContext(ctx)
	if err != nil {
		return nil, err
	}
	var rows []EpochResult
	if err := conn.Where("run_id = ?", runID).Order("epoch ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query epoch results failed: %w", err)
	}
	return rows, nil
}

func (r *Recorder) create(ctx context.Context, row *EpochResult) (*gorm.DB, error) {
	conn, err := r.withContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Create(row), nil
}

func (r *Recorder) withContext(ctx context.Context) (*gorm.DB, error) {
	if r == nil || r.DB == nil {
		return nil, ErrDBNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return r.DB.WithContext(ctx), nil
}
