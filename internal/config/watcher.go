package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/logging"
	"github.com/Gravitate-Health/lens-selector-git/internal/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	newFSWatcherFn = fsnotify.NewWatcher
	pollInterval   = 5 * time.Second
	debounceDelay  = 100 * time.Millisecond
)

// ConfigWatcher monitors the .env file for changes and updates runtime config
type ConfigWatcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	lastEnvHash string
	mu          sync.Mutex
	onReload    func(changes []string)
}

// NewConfigWatcher creates a new config watcher
func NewConfigWatcher(config *Config) (*ConfigWatcher, error) {
	cw := &ConfigWatcher{
		config:   config,
		envPath:  config.EnvPath(),
		stopChan: make(chan struct{}),
	}

	if stat, err := os.Stat(cw.envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	cw.lastEnvHash = hashFile(cw.envPath)

	return cw, nil
}

// SetReloadCallback sets the function called after changes were applied.
func (cw *ConfigWatcher) SetReloadCallback(callback func(changes []string)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onReload = callback
}

// Start begins watching the config file
func (cw *ConfigWatcher) Start() error {
	watcher, err := newFSWatcherFn()
	if err == nil {
		dir := filepath.Dir(cw.envPath)
		if err = watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
			_ = watcher.Close()
		}
	}

	if err != nil {
		log.Warn().Msg("Falling back to polling for config changes")
		go cw.pollForChanges()
		return nil
	}

	cw.watcher = watcher
	go cw.handleEvents(watcher.Events, watcher.Errors)
	log.Info().Str("env_path", cw.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		if cw.watcher != nil {
			_ = cw.watcher.Close()
		}
	})
}

// ReloadConfig manually triggers a config reload (e.g., from SIGHUP)
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig(true)
}

// handleEvents processes fsnotify events until the channels close or the
// watcher stops.
func (cw *ConfigWatcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != cw.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(debounceDelay)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reloadConfig(false)

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls for changes
func (cw *ConfigWatcher) pollForChanges() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil {
				continue
			}
			cw.mu.Lock()
			changed := stat.ModTime().After(cw.lastModTime)
			if changed {
				cw.lastModTime = stat.ModTime()
			}
			cw.mu.Unlock()
			if changed {
				log.Info().Msg("Detected .env file change via polling")
				cw.reloadConfig(false)
			}

		case <-cw.stopChan:
			return
		}
	}
}

// reloadConfig re-reads the .env file and applies the runtime-tunable
// settings. Unless forced, an unchanged file is ignored.
func (cw *ConfigWatcher) reloadConfig(force bool) {
	hash := hashFile(cw.envPath)

	cw.mu.Lock()
	if !force && hash == cw.lastEnvHash {
		cw.mu.Unlock()
		log.Debug().Msg("Config file content unchanged, skipping reload")
		return
	}
	cw.lastEnvHash = hash
	callback := cw.onReload
	cw.mu.Unlock()

	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = make(map[string]string)
	}

	changes := cw.apply(envMap)
	if len(changes) == 0 {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}

	log.Info().Strs("changes", changes).Msg("Applied .env file changes to runtime config")
	if callback != nil {
		callback(changes)
	}
}

// apply copies the runtime-tunable settings from envMap onto the config.
func (cw *ConfigWatcher) apply(envMap map[string]string) []string {
	Mu.Lock()
	defer Mu.Unlock()

	cfg := cw.config
	var changes []string

	value := func(key string) (string, bool) {
		v, ok := envMap[key]
		return strings.Trim(strings.TrimSpace(v), `'"`), ok
	}

	if v, ok := value("LOG_LEVEL"); ok && v != "" && v != cfg.LogLevel {
		if logging.ValidLevel(v) {
			cfg.LogLevel = v
			logging.SetGlobalLevel(v)
			changes = append(changes, "log level updated")
		} else {
			log.Warn().Str("level", v).Msg("Ignoring invalid LOG_LEVEL from .env")
		}
	}

	if v, ok := value("CACHE_TTL"); ok && v != "" {
		if ttl, err := utils.ParseDuration(v); err != nil || ttl < 0 {
			log.Warn().Str("value", v).Msg("Ignoring invalid CACHE_TTL from .env")
		} else if ttl != cfg.CacheTTL {
			cfg.CacheTTL = ttl
			changes = append(changes, "cache TTL updated")
		}
	}

	if v, ok := value("GIT_BRANCH"); ok && v != "" && v != cfg.Branch {
		cfg.Branch = v
		changes = append(changes, "branch updated")
	}

	if v, ok := value("LENS_PATH"); ok && v != cfg.LensPath {
		previous := cfg.LensPath
		cfg.LensPath = v
		if err := cfg.Coordinates().Validate(); err != nil {
			cfg.LensPath = previous
			log.Warn().Err(err).Msg("Ignoring invalid LENS_PATH from .env")
		} else {
			changes = append(changes, "lens path updated")
		}
	}

	return changes
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
