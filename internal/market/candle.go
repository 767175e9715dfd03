package market

import (
	"sort"
	"time"
)

// Candle 为单根分钟级 K 线。BarTime 为开盘时间（Unix 秒），
// (BarTime, Product) 在存储层构成唯一键。
type Candle struct {
	BarTime int64   `json:"bar_time"`
	Product string  `json:"product"`
	Low     float64 `json:"low"`
	High    float64 `json:"high"`
	Open    float64 `json:"open"`
	Close   float64 `json:"close"`
	Volume  float64 `json:"volume"`
}

type Candles []Candle

func (c Candle) TimeString() string {
	if c.BarTime <= 0 {
		return "-"
	}
	return time.Unix(c.BarTime, 0).UTC().Format("01-02 15:04") + "Z"
}

// SortAsc 按 BarTime 升序排序（原地）。
func (cs Candles) SortAsc() {
	sort.Slice(cs, func(i, j int) bool { return cs[i].BarTime < cs[j].BarTime })
}

// Clip 返回落在 [start, end] 闭区间内的子集。
func (cs Candles) Clip(start, end int64) Candles {
	out := make(Candles, 0, len(cs))
	for _, c := range cs {
		if c.BarTime >= start && c.BarTime <= end {
			out = append(out, c)
		}
	}
	return out
}
