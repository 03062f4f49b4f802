package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"klines/internal/logger"
)

// ChangeListener 在配置变更时被调用。
type ChangeListener func(*Config)

// Watcher 持有当前配置，并在文件变更时重新加载。
type Watcher struct {
	path  string
	flags []FlagBinding
	v     *viper.Viper

	mu        sync.RWMutex
	current   *Config
	listeners []ChangeListener
}

// Watch 读取配置文件并开始监听 FS 事件。
func Watch(path string, flags ...FlagBinding) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	cfg, err := Load(path, flags...)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	w := &Watcher{path: path, flags: flags, v: v, current: cfg}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(); err != nil {
			logger.Errorf("[config] reload failed (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("[config] 配置已重新加载: %s", evt.Name)
		w.notify()
	})
	v.WatchConfig()
	return w, nil
}

// Current 返回当前配置的副本。
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cp := *w.current
	return &cp
}

// Subscribe 注册监听器，之后每次成功重载都会收到新配置。
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path, w.flags...)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	snap := *w.current
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[config] listener panic: %v", r)
				}
			}()
			cp := snap
			cb(&cp)
		}(fn)
	}
}
