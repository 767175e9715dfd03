package analysis

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlepipe/internal/market"
	"candlepipe/internal/pipeline"
)

func seedStore(t *testing.T) *pipeline.Store {
	t.Helper()
	store, err := pipeline.NewStore(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var bars market.Candles
	for _, product := range []string{"BTC-USD", "ETH-USD"} {
		for i := 0; i < 120; i++ { // 两个整小时
			bars = append(bars, market.Candle{
				BarTime: int64(i) * 60,
				Product: product,
				Low:     9, High: 11, Open: 10,
				Close:  10,
				Volume: 0.5,
			})
		}
	}
	_, err = store.InsertCandles(context.Background(), bars)
	require.NoError(t, err)
	return store
}

func TestHourlySeries(t *testing.T) {
	store := seedStore(t)

	series, err := HourlySeries(context.Background(), store, []string{"BTC-USD", "ETH-USD"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, series, 2)

	btc := series[0]
	assert.Equal(t, "BTC-USD", btc.Product)
	require.Len(t, btc.Points, 2)
	assert.Equal(t, int64(0), btc.Points[0].HourTime)
	assert.Equal(t, int64(3600), btc.Points[1].HourTime)
	assert.InDelta(t, 10, btc.Points[0].AvgClose, 1e-9)
	assert.InDelta(t, 30, btc.Points[0].Volume, 1e-9) // 60 * 0.5

	assert.Equal(t, "60", btc.TotalVolume.String())
}

func TestHourlySeriesDiscoversProducts(t *testing.T) {
	store := seedStore(t)

	// 不指定 product 时遍历库内全部
	series, err := HourlySeries(context.Background(), store, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, series, 2)
}

func TestHourlySeriesEmptyStore(t *testing.T) {
	store, err := pipeline.NewStore(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = HourlySeries(context.Background(), store, nil, 0, 0)
	assert.Error(t, err)
}

func TestHourlySeriesRangeFilter(t *testing.T) {
	store := seedStore(t)

	series, err := HourlySeries(context.Background(), store, []string{"BTC-USD"}, 3600, 7200)
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Len(t, series[0].Points, 1)
	assert.Equal(t, int64(3600), series[0].Points[0].HourTime)
}
