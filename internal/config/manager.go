package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one configuration file change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete, initial_load
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when a watched configuration file changes.
type ChangeHandler func(event ChangeEvent) error

// Manager watches the config directory and hot-reloads the YAML/JSON
// files living there (pricing, ranking domains) plus .rego policies.
type Manager struct {
	configDir      string
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	policyHandlers []func() error
	validators     map[string]func(map[string]interface{}) error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex

	// Polling fallback for filesystems where fsnotify is unreliable.
	pollInterval  time.Duration
	enablePolling bool
}

// NewManager creates a configuration manager for configDir.
func NewManager(configDir string, logger *zap.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]func(map[string]interface{}) error),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Start loads all config files and begins watching for changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(m.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAllConfigs(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	polling := m.enablePolling
	m.mu.Unlock()

	go m.watchLoop()
	if polling {
		go m.pollLoop()
	}

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	return nil
}

// EnablePolling turns on the polling fallback.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enablePolling = true
	if interval > 0 {
		m.pollInterval = interval
	}
}

// RegisterHandler registers a change handler for one config file.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator registers a validator run before a file is accepted.
func (m *Manager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// RegisterPolicyHandler registers a handler invoked when .rego files change.
func (m *Manager) RegisterPolicyHandler(handler func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, handler)
}

// GetConfig returns a copy of the current configuration for a file.
func (m *Manager) GetConfig(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	config, exists := m.configs[filename]
	if !exists {
		return nil, false
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out, true
}

// ReloadConfig manually reloads one configuration file.
func (m *Manager) ReloadConfig(filename string) error {
	return m.loadConfigFile(filepath.Join(m.configDir, filename), "manual_reload")
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	lastModTimes := make(map[string]time.Time)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkForChanges(lastModTimes)
		}
	}
}

func (m *Manager) checkForChanges(lastModTimes map[string]time.Time) {
	err := filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !m.isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		filename := filepath.Base(path)
		if info.ModTime().After(lastModTimes[filename]) {
			lastModTimes[filename] = info.ModTime()
			return m.loadConfigFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	filename := filepath.Base(event.Name)
	isConfig := m.isConfigFile(event.Name)
	isPolicy := strings.HasSuffix(event.Name, ".rego")
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		return
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			m.mu.Lock()
			delete(m.configs, filename)
			m.mu.Unlock()
			m.notifyHandlers(filename, ChangeEvent{File: filename, Action: "delete", Timestamp: time.Now()})
		}
		if isPolicy {
			m.reloadPolicies(filename, action)
		}
		return
	}

	// Small delay to ride out rapid successive writes.
	time.Sleep(50 * time.Millisecond)
	if isConfig {
		if err := m.loadConfigFile(event.Name, action); err != nil {
			m.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		m.reloadPolicies(filename, action)
	}
}

func (m *Manager) reloadPolicies(filename, action string) {
	m.mu.RLock()
	handlers := make([]func() error, len(m.policyHandlers))
	copy(handlers, m.policyHandlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		if err := h(); err != nil {
			m.logger.Error("Policy reload failed",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) loadAllConfigs() error {
	return filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !m.isConfigFile(path) {
			return nil
		}
		return m.loadConfigFile(path, "initial_load")
	})
}

func (m *Manager) loadConfigFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	filename := filepath.Base(filePath)
	config := make(map[string]interface{})
	switch {
	case strings.HasSuffix(filename, ".json"):
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	default:
		return fmt.Errorf("unsupported config format for %s", filename)
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	configCopy := make(map[string]interface{}, len(config))
	for k, v := range config {
		configCopy[k] = v
	}

	m.mu.Lock()
	m.configs[filename] = config
	m.mu.Unlock()

	m.notifyHandlers(filename, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    configCopy,
		Timestamp: time.Now(),
	})
	return nil
}

func (m *Manager) notifyHandlers(filename string, event ChangeEvent) {
	m.mu.RLock()
	handlers := make([]ChangeHandler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("Configuration handler error",
					zap.String("filename", filename),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func (m *Manager) isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
