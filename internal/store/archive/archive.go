// Package archive keeps downloaded klines in one SQLite file per
// symbol@timeframe, with a manifest row summarising each file.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"klines/internal/market"
	"klines/internal/pkg/symbol"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 symbol@timeframe 文件的统计信息。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

type Archive struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func Open(root string) (*Archive, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Archive{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (a *Archive) Root() string { return a.root }

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for k, db := range a.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.dbs, k)
	}
	return firstErr
}

// Path is <root>/<BASE_QUOTE>/<timeframe>.db. The monthly timeframe is
// stored as 1mo so it cannot clash with 1m on case-insensitive filesystems.
func (a *Archive) Path(sym, timeframe string) string {
	return filepath.Join(a.root, symbol.FileStem(sym), fileKey(timeframe)+".db")
}

func fileKey(timeframe string) string {
	if timeframe == "1M" {
		return "1mo"
	}
	return timeframe
}

func (a *Archive) db(sym, timeframe string) (*sql.DB, string, error) {
	if strings.TrimSpace(sym) == "" || strings.TrimSpace(timeframe) == "" {
		return nil, "", fmt.Errorf("symbol/timeframe 不能为空")
	}
	key := symbol.FileStem(sym) + "@" + timeframe
	a.mu.Lock()
	defer a.mu.Unlock()
	path := a.Path(sym, timeframe)
	if db, ok := a.dbs[key]; ok && db != nil {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	display := symbol.Normalize(sym)
	if display == "" {
		display = strings.ToUpper(strings.TrimSpace(sym))
	}
	if err := ensureSchema(db, display, timeframe); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	a.dbs[key] = db
	return db, path, nil
}

// Insert 批量写入 K 线（重复 open_time 将被覆盖），返回写入行数。
func (a *Archive) Insert(ctx context.Context, sym, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, _, err := a.db(sym, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time,
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    trades=excluded.trades`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(), c.Trades); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

func (a *Archive) Manifest(ctx context.Context, sym, timeframe string) (Manifest, error) {
	db, path, err := a.db(sym, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT symbol,timeframe,COALESCE(min_time,0),COALESCE(max_time,0),rows,COALESCE(last_sync_at,0) FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.Symbol, &m.Timeframe, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

// Query reads candles with start <= open_time < end, oldest first. A zero
// end means no upper bound; limit <= 0 means no limit.
func (a *Archive) Query(ctx context.Context, sym, timeframe string, start, end int64, limit int) (market.Candles, error) {
	db, _, err := a.db(sym, timeframe)
	if err != nil {
		return nil, err
	}
	if end <= 0 {
		end = 1 << 62
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM candles WHERE open_time >= ? AND open_time < ?
		ORDER BY open_time ASC LIMIT ?`, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list market.Candles
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (a *Archive) openTimes(ctx context.Context, sym, timeframe string, start, end int64) ([]int64, error) {
	db, _, err := a.db(sym, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM candles WHERE open_time >= ? AND open_time < ? ORDER BY open_time`, start, end)
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

func refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM candles),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM candles),
		    rows = (SELECT COUNT(1) FROM candles),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func ensureSchema(db *sql.DB, sym, timeframe string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time  INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open       TEXT NOT NULL,
			high       TEXT NOT NULL,
			low        TEXT NOT NULL,
			close      TEXT NOT NULL,
			volume     TEXT NOT NULL,
			trades     INTEGER DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
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
	_, err := db.Exec(`INSERT INTO manifest (id, symbol, timeframe) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, timeframe=excluded.timeframe;`, sym, timeframe)
	return err
}
