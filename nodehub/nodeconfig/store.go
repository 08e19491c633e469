package nodeconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Store reads and writes config documents.
type Store interface {
	// Read returns the document at path. A missing file is reported with
	// ok == false and a nil error.
	Read(path string) (doc Document, ok bool, err error)
	Write(path string, doc Document) error
}

// Locker is implemented by stores that can serialize read-modify-write cycles
// against other writers of the same file.
type Locker interface {
	Lock(path string) (unlock func(), err error)
}

// FileStore keeps documents on the local filesystem. Writes go through a temp
// file and a rename, so readers never see a half-written config.
type FileStore struct{}

func (FileStore) Read(path string) (Document, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, true, fmt.Errorf("config %s: %w", path, err)
	}
	return doc, true, nil
}

func (FileStore) Write(path string, doc Document) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config %s: %w", path, err)
	}
	return nil
}

// Lock takes an exclusive advisory lock on path + ".lock".
func (FileStore) Lock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock config %s: %w", path, err)
	}
	return func() { _ = fl.Unlock() }, nil
}
