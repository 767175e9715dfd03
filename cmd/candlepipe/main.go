package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"candlepipe/internal/app"
	"candlepipe/internal/config"
	"candlepipe/internal/logger"
)

func usage() {
	fmt.Fprintf(os.Stderr, `用法: candlepipe [-config path] <command>

commands:
  run     拉取 + 入库 + 绘图（默认）
  fetch   只拉取入库
  chart   只聚合绘图
  serve   启动 HTTP 服务（可配周期性尾部补拉）
`)
}

func main() {
	cfgPath := os.Getenv("CANDLEPIPE_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "配置文件路径")
	flag.Usage = usage
	flag.Parse()

	command := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	if command == "" {
		command = "run"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（products=%s，granularity=%ds）",
		strings.Join(cfg.Pipeline.Products, ","), cfg.Coinbase.Granularity)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		err = application.RunPipeline(ctx)
	case "fetch":
		_, err = application.Fetch(ctx)
	case "chart":
		_, err = application.RenderChart(ctx)
	case "serve":
		// serve 模式下监听配置变更，运行期调整日志级别。
		if werr := config.Watch(ctx, cfgPath, func(next *config.Config) {
			logger.SetLevel(next.App.LogLevel)
		}); werr != nil {
			logger.Warnf("[main] 配置监听未启用: %v", werr)
		}
		err = application.Serve(ctx)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
