// Package schema validates queued mutation payloads against per-entity-type
// JSON Schemas loaded from a directory.
package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

var ErrInvalidPayload = errors.New("payload does not match schema")

const reloadDebounce = 200 * time.Millisecond

// Registry maps an entity type to a compiled schema. A schema file named
// "sale.json" or "sale.schema.json" governs entity type "sale". Entity types
// without a schema are accepted unchecked.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		dir:     strings.TrimSpace(dir),
		logger:  logger,
		schemas: map[string]*jsonschema.Schema{},
	}
	if r.dir == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload recompiles every schema in the directory. On failure the previously
// loaded set stays active.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read schema dir %s: %w", r.dir, err)
	}
	compiler := jsonschema.NewCompiler()
	pending := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		entityType, ok := entityTypeFromFile(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", path, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decode schema %s: %w", path, err)
		}
		location := "file:///" + filepath.ToSlash(strings.TrimPrefix(path, "/"))
		if err := compiler.AddResource(location, doc); err != nil {
			return fmt.Errorf("add schema %s: %w", path, err)
		}
		pending[entityType] = location
	}
	next := make(map[string]*jsonschema.Schema, len(pending))
	for entityType, location := range pending {
		compiled, err := compiler.Compile(location)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", entityType, err)
		}
		next[entityType] = compiled
	}
	r.mu.Lock()
	r.schemas = next
	r.mu.Unlock()
	r.logger.Debug("schemas loaded", zap.String("dir", r.dir), zap.Int("count", len(next)))
	return nil
}

func entityTypeFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	base := strings.TrimSuffix(name, ".json")
	base = strings.TrimSuffix(base, ".schema")
	if base == "" {
		return "", false
	}
	return base, true
}

func (r *Registry) Validate(entityType string, payload []byte) error {
	r.mu.RLock()
	compiled := r.schemas[entityType]
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrInvalidPayload, entityType)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, entityType, err)
	}
	if err := compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, entityType, err)
	}
	return nil
}

func (r *Registry) Has(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[entityType]
	return ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for entityType := range r.schemas {
		out = append(out, entityType)
	}
	sort.Strings(out)
	return out
}

// Watch reloads the registry whenever a schema file changes, until ctx is
// done. Reload failures are logged and the previous schemas stay active.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch schema dir %s: %w", r.dir, err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, isSchema := entityTypeFromFile(filepath.Base(event.Name)); !isSchema {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("schema watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("schema reload failed", zap.Error(err))
				continue
			}
			r.logger.Info("schemas reloaded", zap.Strings("types", r.Types()))
		}
	}
}
