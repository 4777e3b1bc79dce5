package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PositionFile persists the per-file byte offsets the watcher has consumed.
// The whole map is written atomically (temp file + rename) so a crash can
// never leave a torn file. Missing entries default to 0.
type PositionFile struct {
	path string

	mu        sync.Mutex
	positions map[string]int64
}

// LoadPositions reads the offset map from path. A missing file yields an
// empty map.
func LoadPositions(path string) (*PositionFile, error) {
	p := &PositionFile{path: path, positions: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read positions: %w", err)
	}
	if err := json.Unmarshal(data, &p.positions); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}
	return p, nil
}

// Get returns the stored offset for a file, 0 when unknown.
func (p *PositionFile) Get(file string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[file]
}

// Set records a new offset for a file and persists the whole map.
func (p *PositionFile) Set(file string, offset int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[file] = offset
	return p.save()
}

func (p *PositionFile) save() error {
	data, err := json.MarshalIndent(p.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create positions dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace positions: %w", err)
	}
	return nil
}
