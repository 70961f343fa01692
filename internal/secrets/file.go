package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// FileProvider reads secrets from a JSON object of key/value strings. The
// file must not be readable by group or others.
type FileProvider struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

// NewFileProvider loads the secrets file at path.
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("file path required")
	}
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	val, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

// Reload reads the file again.
func (p *FileProvider) Reload() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("load secrets file: %w", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("secrets file %s has mode %v, want 0600", p.path, info.Mode().Perm())
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("load secrets file: %w", err)
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}

	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}
