package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"qi-agent/core/internal/utils"
)

var projectNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _\-]{0,63}$`)

// ProjectInfo describes one project directory.
type ProjectInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Archived bool   `json:"archived"`
}

// Manager owns the per-project directory layout under a data root and hands
// out ProjectStore handles. It is the session-scoped replacement for a global
// project registry.
type Manager struct {
	root   string
	logger utils.ExtendedLogger

	mu     sync.Mutex
	active string
	stores map[string]*ProjectStore
}

// NewManager creates a manager rooted at dataRoot.
func NewManager(dataRoot string, logger utils.ExtendedLogger) (*Manager, error) {
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project data root: %w", err)
	}
	return &Manager{
		root:   dataRoot,
		logger: logger,
		stores: make(map[string]*ProjectStore),
	}, nil
}

// CreateProject makes the project directory and initializes its database.
func (m *Manager) CreateProject(name string) (*ProjectInfo, error) {
	if !projectNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid project name %q", name)
	}
	dir := filepath.Join(m.root, slug(name))
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("project %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	st, err := Open(filepath.Join(dir, "project.db"))
	if err != nil {
		return nil, err
	}
	_ = st.Close()
	if m.logger != nil {
		m.logger.Infof("created project %s at %s", name, dir)
	}
	return &ProjectInfo{Name: name, Path: dir}, nil
}

// ListProjects enumerates project directories, archived last.
func (m *Manager) ListProjects() ([]ProjectInfo, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read project data root: %w", err)
	}
	var out []ProjectInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		_, archivedErr := os.Stat(filepath.Join(dir, ".archived"))
		out = append(out, ProjectInfo{
			Name:     e.Name(),
			Path:     dir,
			Archived: archivedErr == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Archived != out[j].Archived {
			return !out[i].Archived
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ActivateProject opens the project store and marks the project current.
func (m *Manager) ActivateProject(name string) (*ProjectStore, error) {
	dir := filepath.Join(m.root, slug(name))
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("project %q not found", name)
	}
	if _, err := os.Stat(filepath.Join(dir, ".archived")); err == nil {
		return nil, fmt.Errorf("project %q is archived", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := slug(name)
	if st, ok := m.stores[key]; ok {
		m.active = key
		return st, nil
	}
	st, err := Open(filepath.Join(dir, "project.db"))
	if err != nil {
		return nil, err
	}
	m.stores[key] = st
	m.active = key
	return st, nil
}

// ArchiveProject marks a project archived; its data stays on disk.
func (m *Manager) ArchiveProject(name string) error {
	dir := filepath.Join(m.root, slug(name))
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("project %q not found", name)
	}
	m.mu.Lock()
	key := slug(name)
	if st, ok := m.stores[key]; ok {
		_ = st.Close()
		delete(m.stores, key)
		if m.active == key {
			m.active = ""
		}
	}
	m.mu.Unlock()

	marker, err := os.Create(filepath.Join(dir, ".archived"))
	if err != nil {
		return fmt.Errorf("failed to archive project: %w", err)
	}
	return marker.Close()
}

// ActiveProject returns the currently activated project key, if any.
func (m *Manager) ActiveProject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ActiveStore returns the open store of the activated project, or nil when no
// project is active.
func (m *Manager) ActiveStore() *ProjectStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return nil
	}
	return m.stores[m.active]
}

// Close releases every open project store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for key, st := range m.stores {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, key)
	}
	return firstErr
}

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
