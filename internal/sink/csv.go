package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"klines/internal/logger"
	"klines/internal/market"
	"klines/internal/pkg/symbol"
)

// CSVSink writes one <BASE>_<QUOTE>-<timeframe>.csv per symbol. A file is
// truncated and given its header the first time this sink writes to it.
type CSVSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*csvFile
}

type csvFile struct {
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

func NewCSVSink(dir string) (*CSVSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &CSVSink{dir: dir, files: make(map[string]*csvFile)}, nil
}

func FileName(sym, timeframe string) string {
	return fmt.Sprintf("%s-%s.csv", symbol.FileStem(sym), timeframe)
}

func (s *CSVSink) Location(sym, timeframe string) string {
	return filepath.Join(s.dir, FileName(sym, timeframe))
}

func (s *CSVSink) WriteBatch(_ context.Context, b market.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := b.Symbol + "@" + b.Timeframe
	cf, ok := s.files[key]
	if !ok {
		path := s.Location(b.Symbol, b.Timeframe)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		cf = &csvFile{path: path, f: f, w: csv.NewWriter(f)}
		if err := cf.w.Write(market.RecordHeader); err != nil {
			_ = f.Close()
			return err
		}
		s.files[key] = cf
		logger.Debugf("[sink] 创建 %s", path)
	}
	for _, c := range b.Candles {
		if err := cf.w.Write(c.Record()); err != nil {
			return fmt.Errorf("write %s: %w", cf.path, err)
		}
	}
	cf.rows += b.Len()
	cf.w.Flush()
	return cf.w.Error()
}

// Rows reports how many data rows went into the file of symbol@timeframe.
func (s *CSVSink) Rows(sym, timeframe string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cf, ok := s.files[sym+"@"+timeframe]; ok {
		return cf.rows
	}
	return 0
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, cf := range s.files {
		cf.w.Flush()
		if err := cf.w.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, key)
	}
	return firstErr
}
