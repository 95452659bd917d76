package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const credsFile = "creds.json"

// FileCredentials keeps credentials in a single file under dir.
type FileCredentials struct {
	mu  sync.Mutex
	dir string
}

func NewFileCredentials(dir string) *FileCredentials {
	return &FileCredentials{dir: dir}
}

func (f *FileCredentials) Load() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.dir, credsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return data, nil
}

func (f *FileCredentials) Save(creds []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	tmp := filepath.Join(f.dir, credsFile+".tmp")
	if err := os.WriteFile(tmp, creds, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, credsFile)); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Wipe removes the whole auth dir.
func (f *FileCredentials) Wipe() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.RemoveAll(f.dir); err != nil {
		return fmt.Errorf("wipe auth dir: %w", err)
	}
	return nil
}
