package visual

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlepipe/internal/analysis"
	"candlepipe/internal/pipeline"
)

func sampleSeries() []analysis.ProductSeries {
	return []analysis.ProductSeries{
		{
			Product: "BTC-USD",
			Points: []pipeline.HourlyBucket{
				{Product: "BTC-USD", HourTime: 0, AvgClose: 90000, Volume: 12.5, Bars: 60},
				{Product: "BTC-USD", HourTime: 3600, AvgClose: 90500, Volume: 8.25, Bars: 60},
			},
			TotalVolume: decimal.NewFromFloat(20.75),
		},
		{
			Product: "ETH-USD",
			Points: []pipeline.HourlyBucket{
				{Product: "ETH-USD", HourTime: 0, AvgClose: 3000, Volume: 100, Bars: 60},
			},
			TotalVolume: decimal.NewFromInt(100),
		},
	}
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML(sampleSeries(), 0, 0)
	require.NoError(t, err)

	page := string(html)
	// 每个 product 一个图块，双 Y 轴 + 双序列
	assert.Contains(t, page, "BTC-USD")
	assert.Contains(t, page, "ETH-USD")
	assert.Contains(t, page, "Volume")
	assert.Contains(t, page, "Avg Price")
	assert.Contains(t, page, "Price USD (BTC-USD)")
	// x 轴为 UTC 小时标签
	assert.Contains(t, page, "Jan 01 00:00")
	assert.Contains(t, page, "Jan 01 01:00")
}

func TestRenderHTMLEmpty(t *testing.T) {
	_, err := RenderHTML(nil, 1600, 520)
	assert.Error(t, err)
}
