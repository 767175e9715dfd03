package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"candlepipe/internal/analysis"
	"candlepipe/internal/logger"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorVolume        = "#6495ed"
	colorPrice         = "#ff8c00"

	defaultChartWidthPx  = 1600
	defaultChartHeightPx = 520
)

// RenderHTML 为每个 product 生成一个「小时成交量柱 + 均价线」双 Y 轴图块，
// 拼成一个 flex 布局页面。成交量挂主轴，均价挂扩展出的第二个 Y 轴，
// 两者量纲差太多，共轴会把其中一条压成直线。
func RenderHTML(series []analysis.ProductSeries, width, height int) ([]byte, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("没有可渲染的数据")
	}
	if width <= 0 {
		width = defaultChartWidthPx
	}
	if height <= 0 {
		height = defaultChartHeightPx
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	for _, s := range series {
		page.AddCharts(buildProductChart(s, width, height))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildProductChart(s analysis.ProductSeries, width, height int) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", width),
			Height:          fmt.Sprintf("%dpx", height),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s 每小时价量", s.Product),
			Subtitle:      fmt.Sprintf("小时桶=%d 总成交量=%s", len(s.Points), s.TotalVolume.StringFixed(2)),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary, Rotate: 45},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:      fmt.Sprintf("Volume (%s)", s.Product),
			AxisLabel: &opts.AxisLabel{Color: colorVolume},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	// 均价单独一个 Y 轴（索引 1）。
	bar.ExtendYAxis(opts.YAxis{
		Name:      fmt.Sprintf("Price USD (%s)", s.Product),
		Type:      "value",
		Scale:     opts.Bool(true),
		AxisLabel: &opts.AxisLabel{Color: colorPrice},
		SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
	})

	xAxis := buildHourAxis(s)
	vols := make([]opts.BarData, len(s.Points))
	for i, b := range s.Points {
		vols[i] = opts.BarData{
			Value:     b.Volume,
			ItemStyle: &opts.ItemStyle{Color: colorVolume, Opacity: opts.Float(0.6)},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Volume", vols)

	prices := make([]opts.LineData, len(s.Points))
	for i, b := range s.Points {
		prices[i] = opts.LineData{Value: b.AvgClose}
	}
	line := charts.NewLine()
	line.SetXAxis(xAxis)
	line.AddSeries("Avg Price", prices,
		charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1, ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorPrice, Width: 2}),
	)
	bar.Overlap(line)
	return bar
}

func buildHourAxis(s analysis.ProductSeries) []string {
	x := make([]string, len(s.Points))
	for i, b := range s.Points {
		x[i] = time.Unix(b.HourTime, 0).UTC().Format("Jan 02 15:04")
	}
	return x
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测 headless Chrome 是否可用（只探测一次）。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// RenderPNG 用 headless Chrome 打开页面并整页截图。
func RenderPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, fmt.Errorf("headless chrome 不可用: %w", err)
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}

// SaveChart 渲染并落盘。优先 PNG；环境里没有 Chrome 时退回写 HTML。
// 返回实际写入的文件路径。
func SaveChart(ctx context.Context, series []analysis.ProductSeries, path string, width, height int) (string, error) {
	html, err := RenderHTML(series, width, height)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	totalHeight := height * len(series)
	png, err := RenderPNG(ctx, html, width, totalHeight)
	if err == nil {
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
	htmlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".html"
	logger.Warnf("[visual] PNG 渲染失败（%v），退回写 HTML: %s", err, htmlPath)
	if err := os.WriteFile(htmlPath, html, 0o644); err != nil {
		return "", err
	}
	return htmlPath, nil
}
