package known

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileVersion is bumped whenever the on-disk layout changes.
const fileVersion = 1

type fileContents struct {
	Version int        `yaml:"version"`
	Devices []Metadata `yaml:"devices"`
	Groups  []Group    `yaml:"groups,omitempty"`
}

// FileStore persists known devices as a versioned YAML document.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load returns an empty snapshot when the file does not exist yet.
func (f *FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var c fileContents
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Snapshot{}, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	if c.Version > fileVersion {
		return Snapshot{}, fmt.Errorf("%s: unsupported version %d", f.Path, c.Version)
	}
	return Snapshot{Devices: c.Devices, Groups: c.Groups}, nil
}

// Save replaces the file atomically.
func (f *FileStore) Save(s Snapshot) error {
	data, err := yaml.Marshal(fileContents{Version: fileVersion, Devices: s.Devices, Groups: s.Groups})
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".known-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
