package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/andrej220/logfleet/pkg/config/configstore"
	"github.com/andrej220/logfleet/pkg/lg"
)

var _ configstore.ConfigStore = (*FileStore)(nil)

type FileStore struct {
	Path string
	lg   lg.Logger
}

func New(path string, logger lg.Logger) *FileStore {
	if logger == nil {
		logger = lg.Discard
	}
	return &FileStore{Path: path, lg: logger}
}

func (f *FileStore) Load(_ context.Context, out any) error {
	if out == nil {
		return fmt.Errorf("load: output parameter must not be nil")
	}
	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("load: read %s: %w", f.Path, err)
	}
	if len(bytes) == 0 {
		return fmt.Errorf("load: config file %s is empty", f.Path)
	}
	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("load: parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

// Save writes a temp file next to Path and renames it over Path, so readers
// never see a partial file.
func (f *FileStore) Save(_ context.Context, in any) error {
	if in == nil {
		return fmt.Errorf("save: input parameter must not be nil")
	}
	bytes, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("save: marshal YAML: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".tmp*")
	if err != nil {
		return fmt.Errorf("save: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("save: chmod %s: %w", tmp.Name(), err)
	}
	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return fmt.Errorf("save: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save: sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("save: replace %s: %w", f.Path, err)
	}
	return nil
}

// Watch calls onChange whenever the file is written or replaced, until ctx
// is done. The directory is watched because editors and Save replace the
// file by rename.
func (f *FileStore) Watch(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.Path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", f.Path, err)
	}
	target := filepath.Clean(f.Path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.lg.Warn("config watcher error", lg.String("path", f.Path), lg.Err(err))
			}
		}
	}()
	return nil
}
