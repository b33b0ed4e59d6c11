package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchSchedule re-parses the schedule file whenever it changes and delivers
// valid results on the returned channel. Invalid edits are logged and skipped
// so a typo never clears the running table.
//
// The parent directory is watched rather than the file, because editors
// commonly replace files by rename.
func WatchSchedule(ctx context.Context, path string) (<-chan Schedule, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	out := make(chan Schedule, 1)
	target := filepath.Clean(path)

	go func() {
		defer fsw.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				sched, err := LoadSchedule(path)
				if err != nil {
					log.Printf("WARN: schedule reload rejected: %v", err)
					continue
				}
				log.Printf("🔄 Schedule reloaded (%s, %d briefings)", ev.Op, len(sched.Briefings))
				// Keep only the newest pending schedule.
				select {
				case <-out:
				default:
				}
				out <- sched
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Printf("ERROR: schedule watcher: %v", err)
			}
		}
	}()
	return out, nil
}
