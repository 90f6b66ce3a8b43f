package assets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"readerforge/internal/logging"
)

// PrecompiledIndex maps asset identifiers to SVG files under one directory
// (<dir>/<identifier>.svg). A watcher keeps the index current while assets
// are dropped in or removed at runtime.
type PrecompiledIndex struct {
	dir     string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	paths map[string]string // identifier -> file path

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPrecompiledIndex scans dir and starts the watcher. A missing directory
// yields an empty index without a watcher; lookups just miss.
func NewPrecompiledIndex(dir string) (*PrecompiledIndex, error) {
	idx := &PrecompiledIndex{
		dir:    dir,
		paths:  make(map[string]string),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		close(idx.doneCh)
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			idx.add(filepath.Join(dir, entry.Name()))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	idx.watcher = watcher
	go idx.watch()

	logging.Get(logging.CategoryAssets).Info("precompiled index ready: %d asset(s) under %s",
		len(idx.paths), dir)
	return idx, nil
}

// Lookup returns the SVG for an identifier. The file is read at lookup time
// so the index never holds stale content.
func (idx *PrecompiledIndex) Lookup(identifier string) (string, bool) {
	idx.mu.RLock()
	path, ok := idx.paths[identifier]
	idx.mu.RUnlock()
	if !ok {
		return "", false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logging.Get(logging.CategoryAssets).Warn("precompiled asset %s unreadable: %v", identifier, err)
		return "", false
	}
	svg, err := SanitizeSVG(raw)
	if err != nil {
		logging.Get(logging.CategoryAssets).Warn("precompiled asset %s rejected: %v", identifier, err)
		return "", false
	}
	return svg, true
}

// Names lists indexed identifiers.
func (idx *PrecompiledIndex) Names() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	names := make([]string, 0, len(idx.paths))
	for name := range idx.paths {
		names = append(names, name)
	}
	return names
}

// Close stops the watcher.
func (idx *PrecompiledIndex) Close() {
	if idx.watcher == nil {
		return
	}
	close(idx.stopCh)
	idx.watcher.Close()
	<-idx.doneCh
}

func (idx *PrecompiledIndex) watch() {
	defer close(idx.doneCh)
	for {
		select {
		case <-idx.stopCh:
			return
		case event, ok := <-idx.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				idx.add(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				idx.remove(event.Name)
			}
		case err, ok := <-idx.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryAssets).Warn("precompiled index watcher: %v", err)
		}
	}
}

func (idx *PrecompiledIndex) add(path string) {
	if !strings.HasSuffix(path, ".svg") {
		return
	}
	identifier := strings.TrimSuffix(filepath.Base(path), ".svg")
	idx.mu.Lock()
	idx.paths[identifier] = path
	idx.mu.Unlock()
}

func (idx *PrecompiledIndex) remove(path string) {
	if !strings.HasSuffix(path, ".svg") {
		return
	}
	identifier := strings.TrimSuffix(filepath.Base(path), ".svg")
	idx.mu.Lock()
	delete(idx.paths, identifier)
	idx.mu.Unlock()
}
