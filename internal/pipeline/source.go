package pipeline

import (
	"context"

	"candlepipe/internal/market"
)

// FetchRequest 描述一次远端 K 线请求（闭区间，Unix 秒）。
// 调用方负责保证区间跨度不超过数据源单次返回上限。
type FetchRequest struct {
	Product     string
	Start       int64
	End         int64
	Granularity int // 秒
}

// CandleSource 抽象远端行情数据源的拉取行为。
type CandleSource interface {
	Fetch(ctx context.Context, req FetchRequest) (market.Candles, error)
	Name() string
}
