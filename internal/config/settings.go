package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// settingsFile is the on-disk shape of ~/.pocketclaude/agent.yaml.
// Durations are strings ("500ms", "30m") so the file stays hand-editable.
type settingsFile struct {
	LaunchDelay     string `yaml:"launch_delay,omitempty"`
	SubmitDoubleTap *bool  `yaml:"submit_double_tap,omitempty"`
	SubmitDelay     string `yaml:"submit_delay,omitempty"`
	Rows            int    `yaml:"rows,omitempty"`
	Cols            int    `yaml:"cols,omitempty"`
	IdleTimeout     string `yaml:"idle_timeout,omitempty"`
	IdleScan        string `yaml:"idle_scan,omitempty"`
	HistoryKeep     int    `yaml:"history_keep,omitempty"`
	LogLevel        string `yaml:"log_level,omitempty"`
	LogFile         string `yaml:"log_file,omitempty"`
}

// Settings is the parsed form the agent runs on.
type Settings struct {
	LaunchDelay     time.Duration
	SubmitDoubleTap bool
	SubmitDelay     time.Duration
	Rows            uint16
	Cols            uint16
	IdleTimeout     time.Duration
	IdleScan        time.Duration
	HistoryKeep     int
	LogLevel        string
	LogFile         string
}

func DefaultSettings() Settings {
	return Settings{
		LaunchDelay:     500 * time.Millisecond,
		SubmitDoubleTap: true,
		SubmitDelay:     100 * time.Millisecond,
		Rows:            30,
		Cols:            120,
		IdleTimeout:     30 * time.Minute,
		IdleScan:        5 * time.Minute,
		HistoryKeep:     10,
		LogLevel:        "info",
	}
}

// LoadSettings reads path on top of the defaults. The result is always
// usable: a missing file means pure defaults, and fields that fail to
// parse keep their default while the returned error names them.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}

	var errs []error
	setDuration := func(name, raw string, dst *time.Duration) {
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, raw))
			return
		}
		*dst = d
	}
	setSize := func(name string, raw int, dst *uint16) {
		if raw == 0 {
			return
		}
		if raw < 0 || raw > 512 {
			errs = append(errs, fmt.Errorf("%s: %d out of range", name, raw))
			return
		}
		*dst = uint16(raw)
	}

	setDuration("launch_delay", f.LaunchDelay, &s.LaunchDelay)
	if f.SubmitDoubleTap != nil {
		s.SubmitDoubleTap = *f.SubmitDoubleTap
	}
	setDuration("submit_delay", f.SubmitDelay, &s.SubmitDelay)
	setSize("rows", f.Rows, &s.Rows)
	setSize("cols", f.Cols, &s.Cols)
	setDuration("idle_timeout", f.IdleTimeout, &s.IdleTimeout)
	setDuration("idle_scan", f.IdleScan, &s.IdleScan)
	if f.HistoryKeep > 0 {
		s.HistoryKeep = f.HistoryKeep
	} else if f.HistoryKeep < 0 {
		errs = append(errs, fmt.Errorf("history_keep: %d out of range", f.HistoryKeep))
	}
	if f.LogLevel != "" {
		s.LogLevel = f.LogLevel
	}
	if f.LogFile != "" {
		s.LogFile = f.LogFile
	}
	return s, errors.Join(errs...)
}

// WatchSettings reloads path whenever it is written and hands the
// result to onChange. The file may not exist yet; creating it counts
// as a change. Blocks until ctx is cancelled.
func WatchSettings(ctx context.Context, path string, onChange func(Settings, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save
	// and the watch would die with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors write in bursts; give the write a moment to land.
			time.Sleep(100 * time.Millisecond)
			onChange(LoadSettings(path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("settings watcher: %v", err)
		}
	}
}
