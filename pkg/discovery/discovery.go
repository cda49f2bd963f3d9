// Package discovery watches the agents directory and surfaces bundles that
// appear on disk outside the upload path.
package discovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
)

// Registrar receives discovered and deployed agent names. Implemented by the
// supervisor.
type Registrar interface {
	Register(name string)
	Discover(name string)
}

// Watcher scans and watches one agents directory.
type Watcher struct {
	dir       string
	index     *checksum.Index
	registrar Registrar
}

// New builds a watcher over dir.
func New(dir string, index *checksum.Index, registrar Registrar) *Watcher {
	return &Watcher{dir: dir, index: index, registrar: registrar}
}

// Scan walks the directory once: directories with a deployment record
// register as stopped, unrecorded directories carrying a manifest register as
// discovered.
func (w *Watcher) Scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		w.observe(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) observe(dir string) {
	manifestPath, err := config.FindManifest(dir)
	if err != nil {
		return
	}

	name := filepath.Base(dir)
	if manifest, err := config.LoadManifest(manifestPath); err == nil {
		name = manifest.Agent.Name
	}

	if w.index.RecordExists(name) {
		w.registrar.Register(name)
		return
	}
	slog.Info("discovered unprovisioned bundle", "agent", name, "dir", dir)
	w.registrar.Discover(name)
}

// Watch follows directory creation under the agents dir until ctx ends.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || !info.IsDir() {
				continue
			}
			w.observe(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("agents directory watch error", "error", err)
		}
	}
}
