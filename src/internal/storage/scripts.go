package storage

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"troupe-main/src/internal/script"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const scriptDebounce = 300 * time.Millisecond

func isScriptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// LoadScripts parses every YAML script in the scripts directory. Invalid files
// are logged and skipped.
func (s *Storage) LoadScripts() ([]*script.Script, error) {
	entries, err := os.ReadDir(s.scriptsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []*script.Script
	for _, e := range entries {
		if e.IsDir() || !isScriptFile(e.Name()) {
			continue
		}
		sc, err := s.loadScriptFile(filepath.Join(s.scriptsDir, e.Name()))
		if err != nil {
			slog.Warn("skipping script", "file", e.Name(), "error", err)
			continue
		}
		res = append(res, sc)
	}
	slices.SortFunc(res, func(a, b *script.Script) int { return strings.Compare(a.ID, b.ID) })
	return res, nil
}

func (s *Storage) loadScriptFile(path string) (*script.Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := script.ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if info, err := os.Stat(path); err == nil {
		sc.Updated = info.ModTime()
	}
	return sc, nil
}

// SaveScript validates sc and writes it as <id>.yaml.
func (s *Storage) SaveScript(sc *script.Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode script %s: %w", sc.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(filepath.Join(s.scriptsDir, sc.ID+".yaml"), data, 0644)
}

func (s *Storage) DeleteScript(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ext := range []string{".yaml", ".yml"} {
		err := os.Remove(filepath.Join(s.scriptsDir, id+ext))
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	return fmt.Errorf("script %s: %w", id, ErrNotFound)
}

// ScriptWatcher reports script files that change on disk.
type ScriptWatcher struct {
	st       *Storage
	watcher  *fsnotify.Watcher
	onChange func(*script.Script)
	onRemove func(path string)

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer
	done    chan struct{}
}

// WatchScripts calls onChange with every script that is written and parses,
// and onRemove with the path of every script file that disappears. Bursts of
// events for one file are debounced.
func (s *Storage) WatchScripts(ctx context.Context, onChange func(*script.Script), onRemove func(path string)) (*ScriptWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(s.scriptsDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", s.scriptsDir, err)
	}
	w := &ScriptWatcher{
		st:       s,
		watcher:  fsw,
		onChange: onChange,
		onRemove: onRemove,
		pending:  make(map[string]fsnotify.Op),
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	slog.Info("watching scripts", "dir", s.scriptsDir)
	return w, nil
}

func (w *ScriptWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isScriptFile(ev.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] |= ev.Op
			if w.timer == nil {
				w.timer = time.AfterFunc(scriptDebounce, w.flush)
			} else {
				w.timer.Reset(scriptDebounce)
			}
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("script watcher error", "error", err)
		}
	}
}

func (w *ScriptWatcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	for _, path := range slices.Sorted(maps.Keys(batch)) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if w.onRemove != nil {
				w.onRemove(path)
			}
			continue
		}
		sc, err := w.st.loadScriptFile(path)
		if err != nil {
			slog.Warn("ignoring invalid script change", "file", path, "error", err)
			continue
		}
		slog.Info("script reloaded", "script_id", sc.ID, "file", filepath.Base(path))
		if w.onChange != nil {
			w.onChange(sc)
		}
	}
}

// Close stops watching.
func (w *ScriptWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
