// Package library lists finished recordings and mirrors them to the remote
// video API. The local recordings directory is the source of truth; remote
// metadata is merged in by filename when the API is reachable.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	filenamePrefix = "recording-"
	filenameSuffix = ".mp4"
	stampLayout    = "20060102-150405"
	unknownDate    = "unknown"
)

// Entry describes one recording in a listing.
type Entry struct {
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	RemoteURL string    `json:"remote_url,omitempty"`
}

// Group is one date bucket of the grouped listing.
type Group struct {
	Date   string  `json:"date"`
	Videos []Entry `json:"videos"`
}

// Library scans the recordings directory and answers listing queries. The
// scan result is cached and invalidated by filesystem events, so repeated
// listing requests do not hit the disk.
type Library struct {
	dir    string
	remote *Client // nil when no video API is configured

	mu     sync.Mutex
	cache  []Entry
	cached bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Library over dir, creating it if needed. A directory watch
// keeps the cached index fresh; if the watcher cannot be set up every
// listing falls back to a fresh scan.
func New(dir string, remote *Client) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("library: recordings directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("library: create recordings directory: %w", err)
	}

	l := &Library{
		dir:    dir,
		remote: remote,
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("library: directory watch unavailable, caching disabled", "error", err)
		return l, nil
	}
	if err := watcher.Add(dir); err != nil {
		slog.Warn("library: cannot watch recordings directory, caching disabled",
			"dir", dir, "error", err)
		watcher.Close()
		return l, nil
	}
	l.watcher = watcher
	go l.watch()
	return l, nil
}

// Close stops the directory watcher.
func (l *Library) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Library) watch() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.invalidate()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("library: watcher error", "error", err)
			l.invalidate()
		}
	}
}

func (l *Library) invalidate() {
	l.mu.Lock()
	l.cached = false
	l.cache = nil
	l.mu.Unlock()
}

// Path resolves filename inside the recordings directory, rejecting any
// name that would escape it.
func (l *Library) Path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("library: invalid recording name %q", filename)
	}
	return filepath.Join(l.dir, filename), nil
}

// List returns all recordings newest-first, with remote metadata merged in
// when the video API is reachable.
func (l *Library) List(ctx context.Context) ([]Entry, error) {
	entries, err := l.localEntries()
	if err != nil {
		return nil, err
	}
	entries = l.mergeRemote(ctx, entries)

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// ListGrouped returns recordings bucketed by capture date, dates descending,
// entries within a group newest-first. Entries whose date cannot be
// determined land in the "unknown" bucket, sorted last.
func (l *Library) ListGrouped(ctx context.Context) ([]Group, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string][]Entry)
	for _, e := range entries {
		key := unknownDate
		if !e.CreatedAt.IsZero() {
			key = e.CreatedAt.UTC().Format("2006-01-02")
		}
		buckets[key] = append(buckets[key], e)
	}

	groups := make([]Group, 0, len(buckets))
	for date, videos := range buckets {
		groups = append(groups, Group{Date: date, Videos: videos})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Date == unknownDate {
			return false
		}
		if groups[j].Date == unknownDate {
			return true
		}
		return groups[i].Date > groups[j].Date
	})
	return groups, nil
}

// localEntries scans the recordings directory, serving from the cache while
// the watcher reports it unchanged.
func (l *Library) localEntries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached && l.watcher != nil {
		return append([]Entry(nil), l.cache...), nil
	}

	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("library: scan recordings: %w", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".mp4") {
			continue // in-flight .part files and strays are not recordings
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Filename:  name,
			CreatedAt: parseCreatedAt(name),
			SizeBytes: info.Size(),
		})
	}

	l.cache = append([]Entry(nil), entries...)
	l.cached = true
	return entries, nil
}

// mergeRemote attaches remote URLs to local entries by filename. A remote
// outage degrades silently to the local-only listing.
func (l *Library) mergeRemote(ctx context.Context, entries []Entry) []Entry {
	if l.remote == nil {
		return entries
	}
	videos, err := l.remote.List(ctx)
	if err != nil {
		slog.Debug("library: remote listing unavailable, local only", "error", err)
		return entries
	}

	byName := make(map[string]RemoteVideo, len(videos))
	for _, v := range videos {
		byName[v.Filename] = v
	}
	for i := range entries {
		if v, ok := byName[entries[i].Filename]; ok {
			entries[i].RemoteURL = v.URL
		}
	}
	return entries
}

// parseCreatedAt extracts the capture time from a recording filename.
// A name that does not match the recording layout yields the zero time.
func parseCreatedAt(name string) time.Time {
	stamp, ok := strings.CutPrefix(name, filenamePrefix)
	if !ok {
		return time.Time{}
	}
	stamp, ok = strings.CutSuffix(stamp, filenameSuffix)
	if !ok {
		return time.Time{}
	}
	t, err := time.ParseInLocation(stampLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
