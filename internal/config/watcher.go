package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads engine.toml on change and hands each valid config to a callback.
// Invalid edits are logged and ignored; the previous config stays in effect.
type Watcher struct {
	configDir string
	logger    zerolog.Logger
}

// NewWatcher creates a watcher for configDir.
func NewWatcher(configDir string, logger zerolog.Logger) *Watcher {
	return &Watcher{configDir: configDir, logger: logger}
}

// Watch loads the config once and then calls onChange for every valid reload.
func (w *Watcher) Watch(onChange func(*Config)) (*Config, error) {
	v, err := newViper(w.configDir)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			w.logger.Error().Err(err).Str("file", e.Name).Msg("Config reload rejected")
			return
		}
		w.logger.Info().Str("file", e.Name).Msg("Config reloaded")
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}
