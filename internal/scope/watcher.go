package scope

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

type ManagerOptions struct {
	Logger *slog.Logger
	// OnChange runs after a reload that changed the scope: its subjects,
	// workspaces, schedules or excludes.
	OnChange func(*Scope)
}

// Manager holds the current Scope and reloads it when its file changes.
type Manager struct {
	path     string
	logger   *slog.Logger
	current  atomic.Pointer[Scope]
	mu       sync.Mutex
	onChange func(*Scope)
}

func NewManager(path string, opts ManagerOptions) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger, onChange: opts.OnChange}
	var s *Scope
	if path == "" {
		s, _ = New(Config{})
	} else {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		s = loaded
	}
	m.current.Store(s)
	return m, nil
}

// NewStaticManager wraps a fixed Scope.
func NewStaticManager(s *Scope) *Manager {
	m := &Manager{logger: slog.Default()}
	m.current.Store(s)
	return m
}

func (m *Manager) Current() *Scope {
	return m.current.Load()
}

func (m *Manager) Allows(fullName string) bool {
	return m.Current().Allows(fullName)
}

func (m *Manager) TenantForOrganization(login string) (string, bool) {
	return m.Current().TenantForOrganization(login)
}

func (m *Manager) TenantForRepository(fullName string) (string, bool) {
	return m.Current().TenantForRepository(fullName)
}

// SetOnChange replaces the change callback.
func (m *Manager) SetOnChange(fn func(*Scope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Reload rereads the file. A broken file keeps the previous scope.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	next, err := LoadFile(m.path)
	if err != nil {
		return err
	}
	prev := m.current.Swap(next)
	if prev.Equal(next) {
		return nil
	}
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(next)
	}
	return nil
}

// Watch reloads on file changes until ctx is done. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("scope reload failed, keeping previous scope", "path", m.path, "error", err)
				continue
			}
			m.logger.Info("scope reloaded", "path", m.path, "workspaces", len(m.Current().Workspaces()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("scope watcher error", "error", err)
		}
	}
}
