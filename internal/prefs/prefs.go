// Package prefs holds the user-tunable alert preferences: a small YAML
// file reloaded live while the daemon runs.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// prefsFileName is the preferences file name under the data directory.
	prefsFileName = "prefs.yaml"

	// reloadPollInterval is how often the watcher checks for pending
	// filesystem events, batching rapid editor writes into one reload.
	reloadPollInterval = 500 * time.Millisecond

	// reloadSettle is how long the file must sit unchanged before a
	// pending event triggers the reload.
	reloadSettle = 300 * time.Millisecond
)

// QuietHours silences alerts inside a daily wall-clock window. From and
// Until are "HH:MM"; a window whose end precedes its start spans
// midnight. Equal endpoints make an empty window.
type QuietHours struct {
	Enabled bool   `yaml:"enabled"`
	From    string `yaml:"from"`
	Until   string `yaml:"until"`
}

// Prefs are the alert settings a user may edit while the daemon runs.
type Prefs struct {
	SoundEnabled bool       `yaml:"sound_enabled"`
	ToastEnabled bool       `yaml:"toast_enabled"`
	QuietHours   QuietHours `yaml:"quiet_hours"`
}

// Defaults returns the out-of-the-box preferences: everything on, no
// quiet hours.
func Defaults() Prefs {
	return Prefs{SoundEnabled: true, ToastEnabled: true}
}

// Store serves preference snapshots and keeps them current from the
// file on disk.
type Store struct {
	logger *slog.Logger
	path   string

	mu    sync.RWMutex
	prefs Prefs
}

// Load reads prefs.yaml under dataDir. A missing file yields defaults;
// a file that exists but does not parse is an error, so a broken config
// is caught at startup rather than silently ignored.
func Load(dataDir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		logger: logger,
		path:   filepath.Join(dataDir, prefsFileName),
		prefs:  Defaults(),
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the preferences file location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns the current preferences.
func (s *Store) Snapshot() Prefs {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.prefs
}

// Reload re-reads the file. Absent keys keep their defaults; a missing
// file resets to defaults entirely.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.set(Defaults())
			return nil
		}

		return fmt.Errorf("reading preferences: %w", err)
	}

	p := Defaults()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing preferences: %w", err)
	}

	if p.QuietHours.Enabled {
		if _, _, err := quietWindow(p.QuietHours); err != nil {
			return fmt.Errorf("parsing preferences: %w", err)
		}
	}

	s.set(p)

	return nil
}

func (s *Store) set(p Prefs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p
}

// Watch re-loads the preferences whenever the file changes, until the
// context is cancelled. The parent directory is watched rather than the
// file itself: editors replace files atomically, and the file may not
// exist yet.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching preferences dir: %w", err)
	}

	s.logger.Info("preferences watcher started", slog.String("path", s.path))

	// Debounce: batch rapid writes into a single reload.
	var pending time.Time

	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Base(event.Name) != prefsFileName {
				continue
			}

			pending = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			s.logger.Warn("preferences watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < reloadSettle {
				continue
			}

			pending = time.Time{}

			// A live edit must not kill the daemon; keep the previous
			// snapshot until the file parses again.
			if err := s.Reload(); err != nil {
				s.logger.Warn("reloading preferences", slog.String("error", err.Error()))
				continue
			}

			p := s.Snapshot()
			s.logger.Info("preferences reloaded",
				slog.Bool("sound", p.SoundEnabled),
				slog.Bool("toast", p.ToastEnabled),
				slog.Bool("quiet_hours", p.QuietHours.Enabled),
			)
		}
	}
}

// ShouldAlert reports whether a toast may be raised at the given time:
// toasts enabled and the time outside any quiet-hours window.
func (s *Store) ShouldAlert(now time.Time) bool {
	p := s.Snapshot()
	if !p.ToastEnabled {
		return false
	}

	return !quietAt(p.QuietHours, now)
}

// ShouldSound reports whether an alert at the given time may also play
// a sound.
func (s *Store) ShouldSound(now time.Time) bool {
	p := s.Snapshot()
	if !p.SoundEnabled {
		return false
	}

	return !quietAt(p.QuietHours, now)
}

// quietAt reports whether now falls inside the quiet-hours window.
// Windows that fail to parse never silence; Reload validates them, so
// this only covers a zero-value QuietHours.
func quietAt(q QuietHours, now time.Time) bool {
	if !q.Enabled {
		return false
	}

	from, until, err := quietWindow(q)
	if err != nil {
		return false
	}

	if from == until {
		return false
	}

	minute := now.Hour()*60 + now.Minute()

	if from < until {
		return minute >= from && minute < until
	}

	// Window spans midnight, e.g. 22:00 to 07:00.
	return minute >= from || minute < until
}

func quietWindow(q QuietHours) (from, until int, err error) {
	from, err = parseClock(q.From)
	if err != nil {
		return 0, 0, fmt.Errorf("quiet hours from: %w", err)
	}

	until, err = parseClock(q.Until)
	if err != nil {
		return 0, 0, fmt.Errorf("quiet hours until: %w", err)
	}

	return from, until, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}

	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}

	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}

	return h*60 + m, nil
}
