package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileStore is a Store backed by a flat YAML map on disk, for single-node
// deployments without a separate KV cluster. Set rewrites the whole file
// (fine at this scale: process config, not a high-throughput KV). Watch
// is implemented by polling the file's mtime — the pack carries no
// file-watcher library (see DESIGN.md), and a config file changing every
// few seconds is not a case this module needs to optimize for.
type FileStore struct {
	path         string
	pollInterval time.Duration

	mu       sync.RWMutex
	values   map[string]string
	modTime  time.Time
	watchers map[int]memWatch
	nextID   int
	stop     chan struct{}
	once     sync.Once
}

// NewFileStore loads path (creating it empty if absent) and starts a
// background poller for external changes.
func NewFileStore(path string, pollInterval time.Duration) (*FileStore, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	s := &FileStore{
		path:         path,
		pollInterval: pollInterval,
		values:       make(map[string]string),
		watchers:     make(map[int]memWatch),
		stop:         make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	go s.pollLoop()
	return s, nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	values := make(map[string]string)
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("config: parse %s: %w", s.path, err)
		}
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.values
	s.values = values
	s.modTime = info.ModTime()
	matched := collectChanged(old, values, s.watchers)
	s.mu.Unlock()

	for _, c := range matched {
		c.fn(c.key, c.value)
	}
	return nil
}

type changedNotification struct {
	memWatch
	key   string
	value string
}

func collectChanged(old, updated map[string]string, watchers map[int]memWatch) []changedNotification {
	var out []changedNotification
	for k, v := range updated {
		if old[k] != v {
			for _, w := range watchers {
				if strings.HasPrefix(k, w.prefix) {
					out = append(out, changedNotification{memWatch: w, key: k, value: v})
				}
			}
		}
	}
	for k := range old {
		if _, ok := updated[k]; !ok {
			for _, w := range watchers {
				if strings.HasPrefix(k, w.prefix) {
					out = append(out, changedNotification{memWatch: w, key: k, value: ""})
				}
			}
		}
	}
	return out
}

func (s *FileStore) persist() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.values)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	info, err := os.Stat(s.path)
	if err == nil {
		s.mu.Lock()
		s.modTime = info.ModTime()
		s.mu.Unlock()
	}
	return nil
}

func (s *FileStore) pollLoop() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			s.mu.RLock()
			changed := info.ModTime().After(s.modTime)
			s.mu.RUnlock()
			if changed {
				_ = s.reload()
			}
		}
	}
}

// Close stops the background poller.
func (s *FileStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

// Get returns the value for key, or false if unset.
func (s *FileStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key, persists the file, and notifies matching
// watchers.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	matched := make([]memWatch, 0)
	for _, w := range s.watchers {
		if strings.HasPrefix(key, w.prefix) {
			matched = append(matched, w)
		}
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return err
	}
	for _, w := range matched {
		w.fn(key, value)
	}
	return nil
}

// Watch registers w for every future change (from Set or an external
// rewrite of the file) to a key starting with prefix.
func (s *FileStore) Watch(prefix string, w Watcher) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = memWatch{prefix: prefix, fn: w}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

var _ Store = (*FileStore)(nil)
