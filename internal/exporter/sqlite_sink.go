package exporter

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 条目类型
const (
	KindImage = "image"
	KindText  = "text"
)

// ExportItem 导出记录中的一条内容
type ExportItem struct {
	ID        uint      `gorm:"primaryKey"`
	JobID     string    `gorm:"size:36;index"`
	URLSrc    string    `gorm:"index"`
	Kind      string    `gorm:"size:8"`
	Content   string
	Count     int
	CreatedAt time.Time `gorm:"index"`
}

// TableName 表名
func (ExportItem) TableName() string {
	return "export_items"
}

// SQLiteSink 把导出内容追加到本地 SQLite 库，只写不读
type SQLiteSink struct {
	db *gorm.DB
}

// NewSQLiteSink 打开数据库并建表
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.AutoMigrate(&ExportItem{}); err != nil {
		return nil, fmt.Errorf("建表失败: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// DB 底层连接
func (s *SQLiteSink) DB() *gorm.DB {
	return s.db
}

// Send 实现 Sink，一次导出在同一个事务里写入
func (s *SQLiteSink) Send(ctx context.Context, p Payload) error {
	items := make([]ExportItem, 0, p.Batches.Items())
	for _, src := range slices.Sorted(maps.Keys(p.Batches)) {
		batch := p.Batches[src]
		for _, content := range slices.Sorted(maps.Keys(batch.Images)) {
			items = append(items, ExportItem{JobID: p.JobID, URLSrc: src, Kind: KindImage, Content: content, Count: batch.Images[content], CreatedAt: p.CreatedAt})
		}
		for _, content := range slices.Sorted(maps.Keys(batch.Texts)) {
			items = append(items, ExportItem{JobID: p.JobID, URLSrc: src, Kind: KindText, Content: content, Count: batch.Texts[content], CreatedAt: p.CreatedAt})
		}
	}
	if len(items) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).CreateInBatches(items, 200).Error; err != nil {
		return fmt.Errorf("写入导出记录失败: %w", err)
	}
	return nil
}

// Close 实现 Sink
func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
