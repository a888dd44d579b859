// Package prefs persists small named values on the local machine and tells
// interested code when they change, whether the change came from this process
// or from another one sharing the same file.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const fileName = "prefs.json"

// Store is a file-backed key/value store. A nil *Store behaves as storage that
// is not available: reads return the caller's default and writes are dropped.
type Store struct {
	path string

	mu        sync.Mutex
	values    map[string]string
	listeners map[string]map[int]func()
	nextID    int

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// DefaultPath returns the per-user preferences file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "weekwise", fileName), nil
}

// Open loads the store at path, creating its directory when missing.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("prefs: empty path")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("prefs: create dir: %w", err)
	}
	values, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:      path,
		values:    values,
		listeners: make(map[string]map[int]func()),
	}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Raw returns the stored text for key exactly as written.
func (s *Store) Raw(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Read returns the value stored under key decoded into T. String values are
// returned verbatim; anything else is decoded from JSON. A missing key or a
// decode failure yields def.
func Read[T any](s *Store, key string, def T) T {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var out T
	if p, isString := any(&out).(*string); isString {
		*p = raw
		return out
	}
	if err := sonic.UnmarshalString(raw, &out); err != nil {
		log.WithError(err).WithField("key", key).Warn("prefs: unable to decode stored value")
		return def
	}
	return out
}

// Write stores value under key. Strings are kept verbatim so externally
// transformed text round-trips unchanged; other values are stored as JSON.
func (s *Store) Write(key string, value any) error {
	if s == nil {
		log.WithField("key", key).Warn("prefs: no durable storage available, dropping write")
		return nil
	}
	raw, err := encode(value)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("prefs: unable to encode value")
		return err
	}
	return s.mutate(key, func(m map[string]string) { m[key] = raw })
}

// Remove deletes key from the store.
func (s *Store) Remove(key string) error {
	if s == nil {
		return nil
	}
	return s.mutate(key, func(m map[string]string) { delete(m, key) })
}

// Subscribe registers fn to run whenever key changes. The returned function
// detaches it.
func (s *Store) Subscribe(key string, fn func()) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[int]func())
	}
	s.listeners[key][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
	}
}

func (s *Store) mutate(key string, apply func(map[string]string)) error {
	s.mu.Lock()
	current, err := readFile(s.path)
	if err != nil {
		// Fall back to our own view rather than lose every other key.
		log.WithError(err).Warn("prefs: unable to reload before write")
		current = copyMap(s.values)
	}
	apply(current)
	if err := writeFile(s.path, current); err != nil {
		s.mu.Unlock()
		log.WithError(err).WithField("key", key).Warn("prefs: write failed")
		return err
	}
	changed := diffKeys(s.values, current)
	changed[key] = struct{}{}
	s.values = current
	fns := s.listenersFor(changed)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// reload re-reads the file after a change made by another process.
func (s *Store) reload() {
	values, err := readFile(s.path)
	if err != nil {
		log.WithError(err).Warn("prefs: unable to reload changed file")
		return
	}
	s.mu.Lock()
	changed := diffKeys(s.values, values)
	s.values = values
	fns := s.listenersFor(changed)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Store) listenersFor(keys map[string]struct{}) []func() {
	var fns []func()
	for k := range keys {
		for _, fn := range s.listeners[k] {
			fns = append(fns, fn)
		}
	}
	return fns
}

// Watch starts observing the backing file for changes made by other
// processes. It returns once the watch is established.
func (s *Store) Watch(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.run(ctx, w, s.done)
	return nil
}

func (s *Store) run(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("prefs: watcher error")
		}
	}
}

// Close stops the file watch.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}

func encode(value any) (string, error) {
	if str, ok := value.(string); ok {
		return str, nil
	}
	return sonic.MarshalString(value)
}

func readFile(path string) (map[string]string, error) {
	values := map[string]string{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefs: read: %w", err)
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := sonic.Unmarshal(data, &values); err != nil {
		log.WithError(err).WithField("path", path).Warn("prefs: ignoring unreadable preferences file")
		return map[string]string{}, nil
	}
	return values, nil
}

func writeFile(path string, values map[string]string) error {
	data, err := sonic.Marshal(values)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".prefs-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func diffKeys(before, after map[string]string) map[string]struct{} {
	changed := map[string]struct{}{}
	for k, v := range before {
		if nv, ok := after[k]; !ok || nv != v {
			changed[k] = struct{}{}
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	return changed
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
