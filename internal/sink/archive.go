package sink

import (
	"context"

	"klines/internal/market"
	"klines/internal/store/archive"
)

// ArchiveSink upserts batches into the SQLite candle archive.
type ArchiveSink struct {
	archive *archive.Archive
	owned   bool
}

// NewArchiveSink writes into a. When owned is set, Close closes a as well.
func NewArchiveSink(a *archive.Archive, owned bool) *ArchiveSink {
	return &ArchiveSink{archive: a, owned: owned}
}

func (s *ArchiveSink) WriteBatch(ctx context.Context, b market.Batch) error {
	_, err := s.archive.Insert(ctx, b.Symbol, b.Timeframe, b.Candles)
	return err
}

func (s *ArchiveSink) Location(symbol, timeframe string) string {
	return s.archive.Path(symbol, timeframe)
}

func (s *ArchiveSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.archive.Close()
}
