// Package inbox watches a drop folder for arriving subject directories
// and hands each one to the scheduler once its contents stop changing.
package inbox

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a subject directory must stay quiet before it
// counts as fully copied in.
const DefaultSettle = 2 * time.Second

// EnqueueFunc receives the basename of a settled subject directory.
type EnqueueFunc func(subjectID string)

// Watch starts an fsnotify watcher on root and processes file change
// events until ctx is cancelled. A directory created directly under root
// is a candidate subject; every write beneath it resets its settle clock,
// and when the clock expires enqueue is called with the directory name.
//
// Directories already present at startup are left alone; those belong to
// the batch command or an explicit run request. New directories created at
// runtime are automatically added to the watch list so nested copies keep
// resetting the clock.
func Watch(ctx context.Context, root string, settle time.Duration, logger *slog.Logger, enqueue EnqueueFunc) error {
	if settle <= 0 {
		settle = DefaultSettle
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("inbox: started", slog.String("root", root), slog.Duration("settle", settle))

	// One timer per arriving subject; a firing timer pushes the subject
	// onto settledCh so delivery happens on this loop, not the timer's.
	timers := make(map[string]*time.Timer)
	settledCh := make(chan string, 16)

	touch := func(subject string) {
		if t, ok := timers[subject]; ok {
			t.Reset(settle)
			return
		}
		timers[subject] = time.AfterFunc(settle, func() {
			select {
			case settledCh <- subject:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			for _, t := range timers {
				t.Stop()
			}
			logger.Info("inbox: stopped")
			return nil

		case subject := <-settledCh:
			delete(timers, subject)
			logger.Info("inbox: subject settled", slog.String("subject", subject))
			if enqueue != nil {
				enqueue(subject)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			rel, relErr := filepath.Rel(root, ev.Name)
			if relErr != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			subject := topLevel(rel)

			// --- Handle new directories: add to watcher ---
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("inbox: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("inbox: watching new dir", slog.String("path", ev.Name))
					}
				}
			}

			// A subject removed or renamed away before settling is forgotten.
			if rel == subject && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if t, ok := timers[subject]; ok {
					t.Stop()
					delete(timers, subject)
					logger.Debug("inbox: subject withdrawn", slog.String("subject", subject))
				}
				continue
			}

			// Anything else beneath a subject directory restarts its clock.
			// Plain files dropped at the root are not subjects.
			if info, statErr := os.Stat(filepath.Join(root, subject)); statErr == nil && info.IsDir() {
				touch(subject)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("inbox: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// topLevel returns the first element of a relative path.
func topLevel(rel string) string {
	rel = filepath.ToSlash(rel)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return rel
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
