package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"candlepipe/internal/logger"
)

// Watch 监听配置文件变更并回调最新配置（目前只用于运行期调整日志级别）。
// 监听目录而非文件本身，兼容编辑器的 rename+create 保存方式。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					logger.Warnf("[config] 重新加载失败，沿用旧配置: %v", err)
					continue
				}
				logger.Infof("[config] 检测到配置变更，已重新加载")
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("[config] watcher 错误: %v", err)
			}
		}
	}()
	return nil
}
