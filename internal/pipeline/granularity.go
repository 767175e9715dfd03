package pipeline

import (
	"fmt"
	"sort"
)

// Granularity 为 K 线粒度（秒）。Coinbase 只接受固定的几档。
type Granularity struct {
	Seconds int
}

var supportedGranularities = map[int]bool{
	60:    true,
	300:   true,
	900:   true,
	3600:  true,
	21600: true,
	86400: true,
}

// ParseGranularity 校验并返回粒度定义。
func ParseGranularity(seconds int) (Granularity, error) {
	if !supportedGranularities[seconds] {
		return Granularity{}, fmt.Errorf("不支持的粒度: %d 秒", seconds)
	}
	return Granularity{Seconds: seconds}, nil
}

// SupportedGranularities 返回所有支持的档位（升序）。
func SupportedGranularities() []int {
	out := make([]int, 0, len(supportedGranularities))
	for s := range supportedGranularities {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

func (g Granularity) Step() int64 { return int64(g.Seconds) }

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange 将 Unix 秒时间对齐到粒度网格，保证 start<=end。
func (g Granularity) AlignRange(start, end int64) (int64, int64) {
	step := g.Step()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedBars 计算闭区间 [start, end] 内网格上应有的 K 线数量。
func (g Granularity) ExpectedBars(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := g.Step()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}

// Gap 为一段缺失的闭区间（两端都落在粒度网格上）。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// IntegrityReport 描述某区间内数据的完整程度。
type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool {
	return r.Expected > 0 && r.Present >= r.Expected && len(r.Gaps) == 0
}

// FindGaps 对比网格与已有 bar 时间（升序），返回缺口列表。
// 已有时间中不在网格上的值会被忽略。
func (g Granularity) FindGaps(start, end int64, have []int64) []Gap {
	step := g.Step()
	if step <= 0 || end < start {
		return nil
	}
	haveSet := make(map[int64]bool, len(have))
	for _, ts := range have {
		haveSet[ts] = true
	}
	var gaps []Gap
	var open *Gap
	for ts := start; ts <= end; ts += step {
		if haveSet[ts] {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{From: ts, To: ts}
		} else {
			open.To = ts
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps
}

// Integrity 基于已有 bar 时间生成完整性报告。
func (g Granularity) Integrity(start, end int64, have []int64) IntegrityReport {
	expected := g.ExpectedBars(start, end)
	present := int64(0)
	for _, ts := range have {
		if ts >= start && ts <= end && (ts-start)%g.Step() == 0 {
			present++
		}
	}
	return IntegrityReport{
		Expected: expected,
		Present:  present,
		Gaps:     g.FindGaps(start, end, have),
	}
}
