package schema

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// dataConfig is the YAML-expressible subset of TypeConfig: versioned,
// compress, max_versions and blob_fields. Everything else (GSI key
// functions, audit, TTL, float and set fields) is registered in code and
// left untouched by a reload. Grounded in the donor's
// internal/config.ConfigWatcher, adapted from watching HTTP server config
// to watching record-type data configuration.
type dataConfig struct {
	Types map[string]struct {
		Versioned   bool                     `yaml:"versioned"`
		Compress    bool                     `yaml:"compress"`
		MaxVersions int                      `yaml:"max_versions"`
		BlobFields  map[string]BlobFieldSpec `yaml:"blob_fields"`
	} `yaml:"types"`
}

// LoadDataOverlay overlays versioned/compress/max_versions/blob_fields from
// a YAML file onto already-registered types, leaving GSI/audit/TTL
// configuration (which YAML cannot express) untouched. A versioned,
// compress or max_versions key left out of a listed type's entry resets
// that setting to its zero value; blob_fields is replaced only when given. Types named in the file but not
// already registered are ignored with a warning — the registry only
// accepts new types via Register, which also wires their GSI functions.
func (r *Registry) LoadDataOverlay(path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schema overlay %s: %w", path, err)
	}
	var parsed dataConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing schema overlay %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, v := range parsed.Types {
		cfg, ok := r.types[name]
		if !ok {
			if logger != nil {
				logger.Warn("schema overlay references unregistered type, skipping", zap.String("type", name))
			}
			continue
		}
		cfg.Versioned = v.Versioned
		cfg.Compress = v.Compress
		cfg.MaxVersions = v.MaxVersions
		if v.BlobFields != nil {
			cfg.BlobFields = v.BlobFields
		}
	}
	return nil
}

// Watcher hot-reloads a schema data-overlay file on change, for
// development iteration (mirrors the donor's ConfigWatcher, which only
// runs outside production).
type Watcher struct {
	registry *Registry
	path     string
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatchDataOverlay starts watching path for changes and reapplies
// LoadDataOverlay on every write event.
func WatchDataOverlay(registry *Registry, path string, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating schema file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching schema overlay %s: %w", path, err)
	}

	w := &Watcher{registry: registry, path: path, logger: logger, fsw: fsw, stopCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := w.registry.LoadDataOverlay(w.path, w.logger); err != nil {
					if w.logger != nil {
						w.logger.Error("failed to reload schema overlay", zap.Error(err))
					}
					continue
				}
				if w.logger != nil {
					w.logger.Info("reloaded schema overlay", zap.String("path", w.path))
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Error("schema file watcher error", zap.Error(err))
			}
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.fsw.Close()
}
