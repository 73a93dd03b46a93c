package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler 配置热更新回调
type ChangeHandler func(old, updated *Config)

// Manager 持有当前配置，并在配置文件变化时重新加载
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	v        *viper.Viper
	path     string
	handlers []ChangeHandler
	watching bool
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// NewManager 创建配置管理器并加载配置
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	m.v = newViper(m.path)
	cfg, err := readConfig(m.v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	m.config = cfg
	return m, nil
}

// Get 当前配置
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange 注册热更新回调
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Reload 重新读取配置。新配置校验失败时保留旧配置。
func (m *Manager) Reload() error {
	cfg, err := readConfig(m.v)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	m.mu.Lock()
	old := m.config
	m.config = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(old, cfg)
	}
	return nil
}

// Watch 监控配置文件变化，只有找到配置文件时才生效
func (m *Manager) Watch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watching || m.v.ConfigFileUsed() == "" {
		return
	}
	m.watching = true

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := m.Reload(); err != nil {
			log.Printf("[config] %v (keeping previous config)", err)
			return
		}
		log.Printf("[config] reloaded from %s", e.Name)
	})
	m.v.WatchConfig()
}
