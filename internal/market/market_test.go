package market

import (
	"testing"
	"time"

	"klines/internal/timeframe"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(ts int64, close string) Candle {
	d := decimal.RequireFromString(close)
	return Candle{OpenTime: ts, Open: d, High: d, Low: d, Close: d, Volume: decimal.NewFromInt(1)}
}

func TestSortUnique(t *testing.T) {
	cs := Candles{candle(3, "3"), candle(1, "1"), candle(2, "2"), candle(1, "9"), candle(3, "7")}
	out := cs.SortUnique()

	require.Len(t, out, 3)
	assert.True(t, out.StrictlyAscending())
	assert.Equal(t, "1", out[0].Close.String())
	assert.Equal(t, "3", out[2].Close.String())
}

func TestBetweenAndAfter(t *testing.T) {
	cs := Candles{candle(0, "1"), candle(10, "1"), candle(20, "1"), candle(30, "1")}

	between := cs.Between(10, 30)
	require.Len(t, between, 2)
	assert.Equal(t, int64(10), between[0].OpenTime)
	assert.Equal(t, int64(20), between[1].OpenTime)

	after := cs.After(10)
	require.Len(t, after, 2)
	assert.Equal(t, int64(20), after[0].OpenTime)
	assert.Empty(t, cs.After(30))
}

func TestRecord(t *testing.T) {
	ts := time.Date(2020, 9, 1, 13, 30, 0, 0, time.UTC).UnixMilli()
	c := Candle{
		OpenTime: ts,
		Open:     decimal.RequireFromString("4235.4"),
		High:     decimal.RequireFromString("4240.6"),
		Low:      decimal.RequireFromString("4230.0"),
		Close:    decimal.RequireFromString("4230.7"),
		Volume:   decimal.RequireFromString("37.72941911"),
	}
	assert.Equal(t, []string{"2020-09-01 13:30:00", "4235.4", "4240.6", "4230", "4230.7", "37.72941911"}, c.Record())
}

func TestFetchRequestValidate(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := FetchRequest{Symbol: "BTC/USDT", Timeframe: "1h", Start: start, End: start.Add(time.Hour)}
	require.NoError(t, ok.Validate())

	badTF := ok
	badTF.Timeframe = "2h30"
	assert.ErrorIs(t, badTF.Validate(), timeframe.ErrInvalidTimeframe)

	noSymbol := ok
	noSymbol.Symbol = " "
	assert.ErrorIs(t, noSymbol.Validate(), ErrInvalidRequest)

	reversed := ok
	reversed.End = start
	assert.ErrorIs(t, reversed.Validate(), ErrInvalidRequest)
}

func TestFetchRequestNormalize(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	now := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	req := FetchRequest{Symbol: " btc/usdt ", Timeframe: "1d", Start: time.Date(2023, 1, 1, 2, 0, 0, 0, loc)}

	out, converted := req.Normalize(now)
	assert.True(t, converted)
	assert.Equal(t, "BTC/USDT", out.Symbol)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), out.Start)
	assert.Equal(t, now, out.End)
}

func TestFlatten(t *testing.T) {
	batches := []Batch{
		{Candles: Candles{candle(1, "1"), candle(2, "1")}},
		{},
		{Candles: Candles{candle(3, "1")}},
	}
	flat := Flatten(batches)
	require.Len(t, flat, 3)
	assert.True(t, flat.StrictlyAscending())

	first, ok := batches[0].First()
	assert.True(t, ok)
	assert.Equal(t, int64(1), first)
	_, ok = batches[1].Last()
	assert.False(t, ok)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2019, 1, 24, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2019-01-24 00:00:00", "2019-01-24", "2019-01-24T08:00:00+08:00"} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
		assert.Equal(t, time.UTC, got.Location())
	}
	_, err := ParseTime("24/01/2019")
	assert.Error(t, err)
}
