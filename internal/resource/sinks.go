package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/turtacn/Tandem/pkg/logger"
)

// SinkManager owns the append-only log files of one supervisor session:
// one per role plus the supervisor's own narrative.
type SinkManager struct {
	mu sync.Mutex

	dir string

	// Open sinks keyed by label
	files map[string]*os.File
}

func NewSinkManager(dir string) *SinkManager {
	return &SinkManager{
		dir:   dir,
		files: make(map[string]*os.File),
	}
}

// DefaultDir is $XDG_STATE_HOME/tandem, falling back to ~/.local/state/tandem
// and finally the temp dir.
func DefaultDir() string {
	if d := os.Getenv("XDG_STATE_HOME"); d != "" {
		return filepath.Join(d, "tandem")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "tandem")
	}
	return filepath.Join(os.TempDir(), "tandem")
}

// PathFor is the file a label writes to.
func (sm *SinkManager) PathFor(label string) string {
	return filepath.Join(sm.dir, sanitize(label)+".log")
}

// Ensure returns the sink for label, opening it in append mode on first use.
// Repeated calls return the same file.
func (sm *SinkManager) Ensure(label string) (*os.File, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if f, ok := sm.files[label]; ok {
		return f, nil
	}

	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := sm.PathFor(label)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink %s: %w", path, err)
	}
	logger.Log.Debug("Resource: Opened log sink", "label", label, "path", path)
	sm.files[label] = f
	return f, nil
}

func (sm *SinkManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, f := range sm.files {
		f.Close()
	}
	sm.files = make(map[string]*os.File)
}

func sanitize(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, label)
}

// Personal.AI order the ending
