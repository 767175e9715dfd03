// Package runlog 用 Gorm + SQLite 记录每次 pipeline 运行的流水账。
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// RunRecord 为一次完整 pipeline 运行的记录。
type RunRecord struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	StartedAt  int64          `gorm:"column:started_at" json:"started_at"`
	FinishedAt int64          `gorm:"column:finished_at" json:"finished_at"`
	Products   datatypes.JSON `gorm:"column:products" json:"products"`
	RangeStart int64          `gorm:"column:range_start" json:"range_start"`
	RangeEnd   int64          `gorm:"column:range_end" json:"range_end"`
	Inserted   int64          `gorm:"column:inserted" json:"inserted"`
	Requests   int64          `gorm:"column:requests" json:"requests"`
	Status     string         `gorm:"column:status" json:"status"`
	Message    string         `gorm:"column:message" json:"message"`
}

func (RunRecord) TableName() string { return "pipeline_runs" }

// ProductsJSON 把 product 列表编码为 JSON 列。
func ProductsJSON(products []string) datatypes.JSON {
	raw, _ := json.Marshal(products)
	return datatypes.JSON(raw)
}

// Store 持有运行记录库。与 K 线库分离，避免互相影响。
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("runlog 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RunRecord{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record 落一条运行记录。
func (s *Store) Record(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// Recent 返回最近 limit 条记录（新→旧）。
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RunRecord
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
