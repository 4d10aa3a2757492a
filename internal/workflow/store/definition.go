// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	pkgerrors "github.com/orbitmesh/orbitmesh/pkg/errors"
)

// DefinitionStore resolves a WorkflowDefinition by id, always returning the
// latest version loaded.
type DefinitionStore interface {
	Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	List(ctx context.Context) ([]*domain.WorkflowDefinition, error)
}

// WorkflowDefinitionStore loads `*.workflow.yaml` files from a directory
// tree and keeps them current via an fsnotify watch, so editing a file on
// disk updates the next scheduling decision without a restart.
type WorkflowDefinitionStore struct {
	dir     string
	pattern string
	log     *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu          sync.RWMutex
	definitions map[string]*domain.WorkflowDefinition // keyed by ID
	pathByID    map[string]string
}

// NewWorkflowDefinitionStore loads every file under dir matching pattern
// (default "**/*.workflow.yaml" when empty) and starts watching dir for
// changes.
func NewWorkflowDefinitionStore(dir, pattern string, log *slog.Logger) (*WorkflowDefinitionStore, error) {
	if pattern == "" {
		pattern = "**/*.workflow.yaml"
	}
	if log == nil {
		log = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	s := &WorkflowDefinitionStore{
		dir:         dir,
		pattern:     pattern,
		log:         log.With("component", "workflow_definition_store"),
		watcher:     w,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		definitions: make(map[string]*domain.WorkflowDefinition),
		pathByID:    make(map[string]string),
	}

	if err := s.loadAll(); err != nil {
		w.Close()
		return nil, err
	}
	if err := s.watchTree(); err != nil {
		w.Close()
		return nil, err
	}

	go s.watchLoop()
	return s, nil
}

// Get implements DefinitionStore.
func (s *WorkflowDefinitionStore) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "workflow_definition", ID: id}
	}
	return def, nil
}

// List implements DefinitionStore.
func (s *WorkflowDefinitionStore) List(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.WorkflowDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d)
	}
	return out, nil
}

// Close stops the filesystem watch.
func (s *WorkflowDefinitionStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.watcher.Close()
}

func (s *WorkflowDefinitionStore) loadAll() error {
	matches, err := doublestar.Glob(os.DirFS(s.dir), s.pattern)
	if err != nil {
		return fmt.Errorf("glob workflow definitions: %w", err)
	}

	defs := make(map[string]*domain.WorkflowDefinition, len(matches))
	pathByID := make(map[string]string, len(matches))
	for _, rel := range matches {
		full := filepath.Join(s.dir, rel)
		def, err := loadDefinitionFile(full)
		if err != nil {
			s.log.Error("failed to load workflow definition", "path", full, "error", err)
			continue
		}
		defs[def.ID] = def
		pathByID[def.ID] = full
	}

	s.mu.Lock()
	s.definitions = defs
	s.pathByID = pathByID
	s.mu.Unlock()
	return nil
}

func (s *WorkflowDefinitionStore) watchTree() error {
	return filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func loadDefinitionFile(path string) (*domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("%s: workflow definition has no id", path)
	}
	return &def, nil
}

func (s *WorkflowDefinitionStore) watchLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("workflow definition watch error", "error", err)
		}
	}
}

func (s *WorkflowDefinitionStore) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(s.dir, event.Name)
	if err != nil {
		return
	}
	matched, _ := doublestar.Match(s.pattern, filepath.ToSlash(rel))
	if !matched {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.removeByPath(event.Name)
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		def, err := loadDefinitionFile(event.Name)
		if err != nil {
			s.log.Error("failed to reload workflow definition", "path", event.Name, "error", err)
			return
		}
		s.mu.Lock()
		s.definitions[def.ID] = def
		s.pathByID[def.ID] = event.Name
		s.mu.Unlock()
		s.log.Info("reloaded workflow definition", "id", def.ID, "path", event.Name)
	}
}

func (s *WorkflowDefinitionStore) removeByPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pathByID {
		if p == path {
			delete(s.definitions, id)
			delete(s.pathByID, id)
			s.log.Info("removed workflow definition", "id", id, "path", path)
			return
		}
	}
}
