package service

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mir00r/reverse-proxy/internal/config"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// reloadDebounce coalesces the burst of filesystem events editors produce
// for a single save
const reloadDebounce = 250 * time.Millisecond

// ConfigReloadService watches the configuration file and applies the
// reloadable subset live: security IP lists, rate-limit knobs and the query
// filter toggle. Everything else (origins, strategy, listener) requires a
// restart; a reload neither applies nor reports changes there.
type ConfigReloadService struct {
	configFilePath  string
	logger          *logger.Logger
	mutex           sync.Mutex
	reloadCallbacks []func(*config.Config) error
	watcher         *fsnotify.Watcher
	stop            chan struct{}
	stopped         sync.WaitGroup
}

// NewConfigReloadService creates a new configuration watcher
func NewConfigReloadService(configFilePath string, log *logger.Logger) *ConfigReloadService {
	return &ConfigReloadService{
		configFilePath: configFilePath,
		logger:         log.WatcherLogger(),
		stop:           make(chan struct{}),
	}
}

// RegisterReloadCallback registers a callback invoked with the freshly
// validated configuration after every reload
func (crs *ConfigReloadService) RegisterReloadCallback(callback func(*config.Config) error) {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	crs.reloadCallbacks = append(crs.reloadCallbacks, callback)
}

// StartWatcher begins watching the configuration file
func (crs *ConfigReloadService) StartWatcher() error {
	if _, err := config.LoadFromFile(crs.configFilePath); err != nil {
		return fmt.Errorf("config file is not loadable: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	crs.watcher = watcher

	// Watch the directory rather than the file: editors replace files on
	// save, which would orphan a direct watch
	if err := watcher.Add(filepath.Dir(crs.configFilePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	crs.stopped.Add(1)
	go crs.watchLoop()

	crs.logger.WithField("config_file", crs.configFilePath).Info("Started configuration file watcher")
	return nil
}

// StopWatcher stops the configuration file watcher
func (crs *ConfigReloadService) StopWatcher() {
	close(crs.stop)
	if crs.watcher != nil {
		crs.watcher.Close()
	}
	crs.stopped.Wait()
	crs.logger.Info("Stopped configuration file watcher")
}

// watchLoop reacts to filesystem events until stopped
func (crs *ConfigReloadService) watchLoop() {
	defer crs.stopped.Done()

	var debounce *time.Timer
	target := filepath.Clean(crs.configFilePath)

	for {
		select {
		case <-crs.stop:
			return

		case event, ok := <-crs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, crs.reload)

		case err, ok := <-crs.watcher.Errors:
			if !ok {
				return
			}
			crs.logger.WithError(err).Error("Config watcher error")
		}
	}
}

// reload re-reads the file, validates it and invokes the callbacks
func (crs *ConfigReloadService) reload() {
	cfg, err := config.LoadFromFile(crs.configFilePath)
	if err != nil {
		crs.logger.WithError(err).Error("Ignoring invalid configuration update")
		return
	}

	crs.mutex.Lock()
	callbacks := make([]func(*config.Config) error, len(crs.reloadCallbacks))
	copy(callbacks, crs.reloadCallbacks)
	crs.mutex.Unlock()

	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			crs.logger.WithError(err).Error("Reload callback failed")
		}
	}

	crs.logger.Info("Configuration reloaded")
}
