package config

import (
	"context"
	"sync"

	"github.com/leadforge/crawl-control/internal/supervisor"
)

// FileConfigSource re-reads the config file on every Load and bumps its
// version whenever the supervisor section changes. The supervisor calls Load
// before each restart decision, which is how operator edits take effect on a
// running service without a restart.
type FileConfigSource struct {
	path string

	mu      sync.Mutex
	last    supervisor.Config
	version int64
}

// NewFileConfigSource seeds the source with the already-loaded config so the
// first Load reports version 1 without touching disk state twice.
func NewFileConfigSource(path string, initial Config) *FileConfigSource {
	return &FileConfigSource{
		path:    path,
		last:    initial.SupervisorPolicy(),
		version: 1,
	}
}

// Load re-reads the file and returns the supervisor policy with its version.
// A file that fails to parse or validate keeps the previous good policy.
func (s *FileConfigSource) Load(ctx context.Context) (supervisor.Config, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		// Keep serving the last good policy rather than stalling the run.
		return s.last, s.version, nil
	}
	policy := cfg.SupervisorPolicy()
	if policy != s.last {
		s.last = policy
		s.version++
	}
	return s.last, s.version, nil
}
