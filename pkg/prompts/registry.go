// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompts manages the templated prompts the generation services
// send to LLM providers. Built-in defaults cover every core prompt; a
// registry directory of YAML files overrides them, with optional hot
// reload on file change.
package prompts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// promptFile is the YAML document for one override.
//
//	key: profile.extract
//	description: Org-tuned profile extraction prompt
//	content: |
//	  You maintain ...
type promptFile struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Content     string `yaml:"content"`
}

// Registry resolves prompt keys to interpolated prompt text.
// Thread-safe; Reload and Watch may run concurrently with Get.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	overrides map[string]string
}

// NewRegistry creates a registry. dir may be empty, in which case only the
// built-in defaults are served.
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:       dir,
		logger:    logger,
		overrides: make(map[string]string),
	}
}

// Get retrieves a prompt by key with variable interpolation.
func (r *Registry) Get(key string, vars map[string]interface{}) (string, error) {
	r.mu.RLock()
	content, ok := r.overrides[key]
	r.mu.RUnlock()
	if !ok {
		content, ok = defaultPrompts[key]
	}
	if !ok {
		return "", fmt.Errorf("prompt not found: %s", key)
	}
	return Interpolate(content, vars), nil
}

// Keys lists all resolvable prompt keys, sorted.
func (r *Registry) Keys() []string {
	seen := make(map[string]struct{}, len(defaultPrompts))
	for k := range defaultPrompts {
		seen[k] = struct{}{}
	}
	r.mu.RLock()
	for k := range r.overrides {
		seen[k] = struct{}{}
	}
	r.mu.RUnlock()

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload re-reads override files from the registry directory. Overrides for
// keys removed on disk disappear; defaults are never affected.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read prompt dir: %w", err)
	}

	loaded := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(r.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read prompt file %s: %w", name, err)
		}
		var pf promptFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return fmt.Errorf("parse prompt file %s: %w", name, err)
		}
		if pf.Key == "" || pf.Content == "" {
			return fmt.Errorf("prompt file %s: key and content are required", name)
		}
		loaded[pf.Key] = pf.Content
	}

	r.mu.Lock()
	r.overrides = loaded
	r.mu.Unlock()

	r.logger.Debug("Reloaded prompt overrides",
		zap.String("dir", r.dir),
		zap.Int("count", len(loaded)))
	return nil
}

// Watch reloads overrides whenever the registry directory changes, until
// ctx is cancelled. Returns immediately when no directory is configured.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch prompt dir: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warn("Prompt reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Prompt watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
