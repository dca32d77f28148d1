// Package workspace manages the per-job scratch directories under a root.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Static errors for workspace operations.
var (
	// ErrInvalidID is returned when a job ID cannot be used as a directory name.
	ErrInvalidID = errors.New("workspace: invalid job id")
	// ErrExists is returned when a workspace for the job already exists.
	ErrExists = errors.New("workspace: already exists")
)

// Manager creates and removes job workspaces below a single root directory.
type Manager struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}

	// removeAll is os.RemoveAll outside tests.
	removeAll func(string) error
}

// NewManager creates a Manager rooted at root, creating the directory if needed.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Manager{
		root:      root,
		logger:    logger,
		active:    make(map[string]struct{}),
		removeAll: os.RemoveAll,
	}, nil
}

// Root returns the root directory.
func (m *Manager) Root() string {
	return m.root
}

// Acquire creates the workspace directory for jobID. The directory must
// not exist yet; two jobs never share a workspace.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, jobID)
	}

	dir := filepath.Join(m.root, jobID)
	if err := os.Mkdir(dir, 0750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, dir)
		}
		return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
	}

	m.mu.Lock()
	m.active[jobID] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("workspace acquired", slog.String("job_id", jobID), slog.String("dir", dir))
	return &Workspace{id: jobID, dir: dir, manager: m}, nil
}

func (m *Manager) isActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[name]
	return ok
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}

// Workspace is one job's scratch directory.
type Workspace struct {
	id      string
	dir     string
	manager *Manager

	once sync.Once
	err  error
}

// ID returns the owning job ID.
func (w *Workspace) ID() string {
	return w.id
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Release removes the workspace and everything in it. It is safe to call
// more than once; later calls return the first result. A panic during
// removal is recovered and returned as an error.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.err = w.remove()
		w.manager.forget(w.id)
	})
	return w.err
}

func (w *Workspace) remove() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workspace: panic removing %s: %v", w.dir, r)
		}
	}()

	if err := w.manager.removeAll(w.dir); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", w.dir, err)
	}
	w.manager.logger.Debug("workspace released", slog.String("job_id", w.id))
	return nil
}
