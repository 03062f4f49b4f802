// Package sink persists the batches a run produces: CSV files, the candle
// archive and the run manifest.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"klines/internal/market"
	"klines/internal/store/archive"
)

const (
	FormatCSV    = "csv"
	FormatSQLite = "sqlite"
	FormatBoth   = "both"
)

type Sink interface {
	WriteBatch(ctx context.Context, b market.Batch) error
	Close() error
}

// Locator is implemented by sinks that can tell where a symbol's data went.
type Locator interface {
	Location(symbol, timeframe string) string
}

func ValidFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV, FormatSQLite, FormatBoth:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want csv, sqlite or both)", format)
	}
}

// Open builds the sinks for format: CSV files under dir, the archive under
// archiveRoot, or both.
func Open(format, dir, archiveRoot string) (Multi, error) {
	if err := ValidFormat(format); err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	var out Multi
	if format == FormatCSV || format == FormatBoth {
		cs, err := NewCSVSink(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	if format == FormatSQLite || format == FormatBoth {
		a, err := archive.Open(archiveRoot)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		out = append(out, NewArchiveSink(a, true))
	}
	return out, nil
}

// Multi fans one batch out to several sinks in order.
type Multi []Sink

func (m Multi) WriteBatch(ctx context.Context, b market.Batch) error {
	for _, s := range m {
		if err := s.WriteBatch(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location joins the locations reported by the members, comma separated.
func (m Multi) Location(symbol, timeframe string) string {
	var parts []string
	for _, s := range m {
		if l, ok := s.(Locator); ok {
			if loc := l.Location(symbol, timeframe); loc != "" {
				parts = append(parts, loc)
			}
		}
	}
	return strings.Join(parts, ",")
}
