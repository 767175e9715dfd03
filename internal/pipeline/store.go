package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"candlepipe/internal/market"
)

// Manifest 记录某个 product 在库内的统计信息。
type Manifest struct {
	Product    string `json:"product"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
}

// HourlyBucket 为小时级聚合结果：均价 + 总量。
type HourlyBucket struct {
	Product  string  `json:"product"`
	HourTime int64   `json:"hour_time"` // 整点 Unix 秒
	AvgClose float64 `json:"avg_close"`
	Volume   float64 `json:"volume"`
	Bars     int64   `json:"bars"`
}

// Store 以单个 SQLite 文件保存全部 product 的分钟级 K 线。
// (bar_time, product) 为联合主键，重复写入会被忽略，保证 exactly-once。
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path 不能为空")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Path() string { return s.path }

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			bar_time INTEGER NOT NULL,
			product  TEXT NOT NULL,
			low      REAL NOT NULL,
			high     REAL NOT NULL,
			open     REAL NOT NULL,
			close    REAL NOT NULL,
			volume   REAL NOT NULL,
			PRIMARY KEY (bar_time, product)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			product TEXT PRIMARY KEY,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Reset 清空 candles 与 manifest（开发期全量重跑用）。
func (s *Store) Reset(ctx context.Context) error {
	for _, stmt := range []string{`DROP TABLE IF EXISTS candles`, `DROP TABLE IF EXISTS manifest`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return ensureSchema(s.db)
}

// InsertCandles 批量写入，重复的 (bar_time, product) 静默忽略。
// 返回实际新增的行数。
func (s *Store) InsertCandles(ctx context.Context, candles market.Candles) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles (bar_time, product, low, high, open, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	inserted := 0
	products := make(map[string]bool)
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, c.BarTime, c.Product, c.Low, c.High, c.Open, c.Close, c.Volume)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
		products[c.Product] = true
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for p := range products {
		if err := s.refreshManifest(ctx, p); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *Store) refreshManifest(ctx context.Context, product string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest (product, min_time, max_time, rows, last_sync_at)
		SELECT ?, COALESCE(MIN(bar_time), 0), COALESCE(MAX(bar_time), 0), COUNT(1), ?
		FROM candles WHERE product = ?
		ON CONFLICT(product) DO UPDATE SET
		    min_time=excluded.min_time,
		    max_time=excluded.max_time,
		    rows=excluded.rows,
		    last_sync_at=excluded.last_sync_at`, product, now, product)
	return err
}

// BarTimes 返回区间内已有的 bar_time（升序）。
func (s *Store) BarTimes(ctx context.Context, product string, start, end int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bar_time FROM candles
		WHERE product = ? AND bar_time BETWEEN ? AND ?
		ORDER BY bar_time`, product, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// RangeCandles 返回闭区间内的 K 线（bar_time 升序）。
func (s *Store) RangeCandles(ctx context.Context, product string, start, end int64) (market.Candles, error) {
	if end < start {
		start, end = end, start
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bar_time, product, low, high, open, close, volume
		FROM candles
		WHERE product = ? AND bar_time BETWEEN ? AND ?
		ORDER BY bar_time ASC`, product, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list market.Candles
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.BarTime, &c.Product, &c.Low, &c.High, &c.Open, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Products 返回库内出现过的全部 product（升序）。
func (s *Store) Products(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT product FROM candles ORDER BY product`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Manifest 返回单个 product 的统计信息。
func (s *Store) Manifest(ctx context.Context, product string) (Manifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT product, min_time, max_time, rows, last_sync_at
		FROM manifest WHERE product = ?`, product)
	var m Manifest
	if err := row.Scan(&m.Product, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Manifests 返回全部 product 的统计信息。
func (s *Store) Manifests(ctx context.Context) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product, min_time, max_time, rows, last_sync_at
		FROM manifest ORDER BY product`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Manifest
	for rows.Next() {
		var m Manifest
		if err := rows.Scan(&m.Product, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HourlyBuckets 把分钟级数据按整点聚合：AVG(close) + SUM(volume)。
// start/end 为 0 时不做区间限制。
func (s *Store) HourlyBuckets(ctx context.Context, product string, start, end int64) ([]HourlyBucket, error) {
	query := `
		SELECT product,
		       (bar_time / 3600) * 3600 AS hour_time,
		       AVG(close) AS avg_close,
		       SUM(volume) AS total_volume,
		       COUNT(1) AS bars
		FROM candles
		WHERE product = ?`
	args := []any{product}
	if start > 0 || end > 0 {
		query += ` AND bar_time BETWEEN ? AND ?`
		args = append(args, start, end)
	}
	query += `
		GROUP BY product, hour_time
		ORDER BY hour_time ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Product, &b.HourTime, &b.AvgClose, &b.Volume, &b.Bars); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CheckIntegrity 对比网格与已有数据，返回区间完整性报告。
func (s *Store) CheckIntegrity(ctx context.Context, product string, g Granularity, start, end int64) (IntegrityReport, error) {
	have, err := s.BarTimes(ctx, product, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	return g.Integrity(start, end, have), nil
}
