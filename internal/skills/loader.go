package skills

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadDirectories scans each directory for subdirectories containing a
// SKILL.md and parses them. Unparseable skills are logged and skipped.
func LoadDirectories(dirs []string, logger *slog.Logger) []*Skill {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "skills")

	var loaded []*Skill
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("skill directory unreadable", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name(), SkillFilename)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			skill, err := ParseSkillFile(path)
			if err != nil {
				logger.Warn("skill file invalid", "path", path, "error", err)
				continue
			}
			loaded = append(loaded, skill)
			logger.Debug("loaded skill", "skill", skill.Name, "path", path)
		}
	}
	return loaded
}

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads skill directories into a registry when their contents
// change. Changes are debounced so an editor save burst triggers one
// reload.
type Watcher struct {
	registry *Registry
	dirs     []string
	logger   *slog.Logger
	fs       *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// WatchDirectories starts watching. Directories that do not exist are
// skipped; if nothing is watchable the watcher still runs (and reloads
// nothing).
func WatchDirectories(registry *Registry, dirs []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		registry: registry,
		dirs:     dirs,
		logger:   logger.With("component", "skills"),
		fs:       fs,
		done:     make(chan struct{}),
	}

	for _, dir := range dirs {
		if err := fs.Add(dir); err != nil {
			w.logger.Warn("cannot watch skill directory", "dir", dir, "error", err)
			continue
		}
		// Watch one level down so SKILL.md edits inside skill
		// subdirectories are seen.
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fs.Add(filepath.Join(dir, entry.Name()))
			}
		}
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) loop() {
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fs.Add(event.Name)
				}
			}
			if pending == nil {
				pending = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(reloadDebounce)
			}

		case <-reload:
			pending = nil
			loaded := LoadDirectories(w.dirs, w.logger)
			w.registry.ReplaceDirectorySkills(loaded)
			w.logger.Info("skill directories reloaded", "count", len(loaded))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skill watcher error", "error", err)
		}
	}
}
