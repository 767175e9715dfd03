package analysis

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"candlepipe/internal/pipeline"
)

// ProductSeries 为单个 product 的小时级序列。
// TotalVolume 用 decimal 逐项累加，长区间求和不受 float 漂移影响。
type ProductSeries struct {
	Product     string
	Points      []pipeline.HourlyBucket
	TotalVolume decimal.Decimal
}

// HourlySeries 对每个 product 执行小时聚合并返回序列。
// start/end 为 0 时覆盖库内全部数据。没有任何数据时返回错误。
func HourlySeries(ctx context.Context, store *pipeline.Store, products []string, start, end int64) ([]ProductSeries, error) {
	if len(products) == 0 {
		var err error
		products, err = store.Products(ctx)
		if err != nil {
			return nil, err
		}
	}
	out := make([]ProductSeries, 0, len(products))
	for _, p := range products {
		buckets, err := store.HourlyBuckets(ctx, p, start, end)
		if err != nil {
			return nil, fmt.Errorf("聚合 %s 失败: %w", p, err)
		}
		if len(buckets) == 0 {
			continue
		}
		total := decimal.Zero
		for _, b := range buckets {
			total = total.Add(decimal.NewFromFloat(b.Volume))
		}
		out = append(out, ProductSeries{Product: p, Points: buckets, TotalVolume: total})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("库内没有可聚合的数据，请先执行拉取")
	}
	return out, nil
}
