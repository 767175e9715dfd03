package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlepipe/internal/market"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func minuteBars(product string, start int64, n int, volume float64) market.Candles {
	out := make(market.Candles, 0, n)
	for i := 0; i < n; i++ {
		ts := start + int64(i)*60
		price := 100 + float64(i)
		out = append(out, market.Candle{
			BarTime: ts,
			Product: product,
			Low:     price - 1,
			High:    price + 1,
			Open:    price,
			Close:   price,
			Volume:  volume,
		})
	}
	return out
}

func TestInsertCandlesDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.InsertCandles(ctx, minuteBars("BTC-USD", 0, 10, 1))
	require.NoError(t, err)
	assert.Equal(t, 10, inserted)

	// 重叠窗口：5 根旧 + 5 根新，只应新增 5
	inserted, err = store.InsertCandles(ctx, minuteBars("BTC-USD", 300, 10, 1))
	require.NoError(t, err)
	assert.Equal(t, 5, inserted)

	times, err := store.BarTimes(ctx, "BTC-USD", 0, 10_000)
	require.NoError(t, err)
	assert.Len(t, times, 15)

	// 完全重复的批次幂等
	inserted, err = store.InsertCandles(ctx, minuteBars("BTC-USD", 0, 15, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

func TestSameTimeDifferentProduct(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertCandles(ctx, minuteBars("BTC-USD", 0, 3, 1))
	require.NoError(t, err)
	_, err = store.InsertCandles(ctx, minuteBars("ETH-USD", 0, 3, 1))
	require.NoError(t, err)

	products, err := store.Products(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, products)

	btc, err := store.BarTimes(ctx, "BTC-USD", 0, 1000)
	require.NoError(t, err)
	assert.Len(t, btc, 3)
}

func TestRangeCandlesOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bars := minuteBars("BTC-USD", 0, 5, 1)
	// 乱序写入
	bars[0], bars[4] = bars[4], bars[0]
	_, err := store.InsertCandles(ctx, bars)
	require.NoError(t, err)

	list, err := store.RangeCandles(ctx, "BTC-USD", 0, 240)
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].BarTime, list[i].BarTime)
	}
}

func TestManifestRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertCandles(ctx, minuteBars("BTC-USD", 600, 5, 1))
	require.NoError(t, err)

	m, err := store.Manifest(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", m.Product)
	assert.Equal(t, int64(600), m.MinTime)
	assert.Equal(t, int64(840), m.MaxTime)
	assert.Equal(t, int64(5), m.Rows)
	assert.NotZero(t, m.LastSyncAt)
}

func TestHourlyBuckets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// 第一个小时 60 根（close 100..159，volume 2），第二个小时 30 根
	var bars market.Candles
	for i := 0; i < 90; i++ {
		bars = append(bars, market.Candle{
			BarTime: int64(i) * 60,
			Product: "BTC-USD",
			Low:     99, High: 200, Open: 100,
			Close:  100 + float64(i),
			Volume: 2,
		})
	}
	_, err := store.InsertCandles(ctx, bars)
	require.NoError(t, err)

	buckets, err := store.HourlyBuckets(ctx, "BTC-USD", 0, 0)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	first := buckets[0]
	assert.Equal(t, int64(0), first.HourTime)
	assert.Equal(t, int64(60), first.Bars)
	assert.InDelta(t, 129.5, first.AvgClose, 1e-9) // mean(100..159)
	assert.InDelta(t, 120, first.Volume, 1e-9)

	second := buckets[1]
	assert.Equal(t, int64(3600), second.HourTime)
	assert.Equal(t, int64(30), second.Bars)
	assert.InDelta(t, 174.5, second.AvgClose, 1e-9) // mean(160..189)
	assert.InDelta(t, 60, second.Volume, 1e-9)
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.InsertCandles(ctx, minuteBars("BTC-USD", 0, 5, 1))
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))

	times, err := store.BarTimes(ctx, "BTC-USD", 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, times)

	// 清空后可以继续写
	inserted, err := store.InsertCandles(ctx, minuteBars("BTC-USD", 0, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, 5, inserted)
}
