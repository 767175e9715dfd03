package config

import (
	"fmt"
	"time"
)

// Config 汇总 candlepipe 的全部配置段。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Coinbase CoinbaseConfig `mapstructure:"coinbase"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Chart    ChartConfig    `mapstructure:"chart"`
	Server   ServerConfig   `mapstructure:"server"`
	RunLog   RunLogConfig   `mapstructure:"runlog"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// CoinbaseConfig 描述 Coinbase Exchange 公共行情接口参数。
type CoinbaseConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Granularity 为 K 线粒度（秒），同时决定单次请求可覆盖的时间跨度。
	Granularity int `mapstructure:"granularity"`
	// MaxPoints 为单次请求最多返回的 K 线数（接口上限 300）。
	MaxPoints int `mapstructure:"max_points"`
	// RequestsPerSec 控制请求节奏，等价于原先固定 sleep 的限速。
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
}

type PipelineConfig struct {
	DBPath   string   `mapstructure:"db_path"`
	Products []string `mapstructure:"products"`
	Start    string   `mapstructure:"start"`
	End      string   `mapstructure:"end"`
	// Reset 为 true 时启动前清空 candles 表，便于开发期反复跑全量。
	Reset bool `mapstructure:"reset"`
}

type ChartConfig struct {
	Output string `mapstructure:"output"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// SyncInterval 形如 "15m"/"1h"，serve 模式下按此周期补拉尾部区间；空串关闭。
	SyncInterval string `mapstructure:"sync_interval"`
	// SyncWindow 形如 "4h"，每次补拉回看的时间跨度。
	SyncWindow string `mapstructure:"sync_window"`
}

type RunLogConfig struct {
	Path string `mapstructure:"path"`
}

// Range 解析 pipeline.start / pipeline.end（RFC3339）。
func (p PipelineConfig) Range() (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, p.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("解析 pipeline.start 失败: %w", err)
	}
	end, err := time.Parse(time.RFC3339, p.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("解析 pipeline.end 失败: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("pipeline.end 必须晚于 pipeline.start")
	}
	return start.UTC(), end.UTC(), nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Coinbase.BaseURL == "" {
		c.Coinbase.BaseURL = "https://api.exchange.coinbase.com"
	}
	if c.Coinbase.Granularity == 0 {
		c.Coinbase.Granularity = 60
	}
	if c.Coinbase.MaxPoints == 0 {
		c.Coinbase.MaxPoints = 300
	}
	if c.Coinbase.RequestsPerSec == 0 {
		c.Coinbase.RequestsPerSec = 2
	}
	if c.Pipeline.DBPath == "" {
		c.Pipeline.DBPath = "data/crypto_data.db"
	}
	if c.Chart.Output == "" {
		c.Chart.Output = "out/analysis_chart.png"
	}
	if c.Chart.Width == 0 {
		c.Chart.Width = 1600
	}
	if c.Chart.Height == 0 {
		c.Chart.Height = 520
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":9992"
	}
	if c.Server.SyncWindow == "" {
		c.Server.SyncWindow = "4h"
	}
}

func validate(c *Config) error {
	if len(c.Pipeline.Products) == 0 {
		return fmt.Errorf("pipeline.products 不能为空")
	}
	if c.Coinbase.MaxPoints <= 0 || c.Coinbase.MaxPoints > 300 {
		return fmt.Errorf("coinbase.max_points 需在 (0,300] 内，当前 %d", c.Coinbase.MaxPoints)
	}
	if c.Coinbase.RequestsPerSec <= 0 {
		return fmt.Errorf("coinbase.requests_per_sec 需 > 0")
	}
	if c.Pipeline.Start != "" || c.Pipeline.End != "" {
		if _, _, err := c.Pipeline.Range(); err != nil {
			return err
		}
	}
	return nil
}
