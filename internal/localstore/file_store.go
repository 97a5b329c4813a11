package localstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type fileStoreState struct {
	Entries map[string][]byte `json:"entries"`
}

// FileStore keeps every entry in a single JSON snapshot file, rewritten
// atomically on each mutation. The snapshot may also be rewritten by other
// processes on the device, so the store watches it with fsnotify and reloads
// when an external write lands.
type FileStore struct {
	path   string
	logger Logger

	mu      sync.RWMutex
	entries map[string][]byte

	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewFileStore(path string, logger Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:    path,
		logger:  logger,
		entries: map[string][]byte{},
		closed:  make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logf("file store watcher unavailable: %v", err)
		return s, nil
	}
	// Watch the directory: the atomic tmp+rename write pattern replaces the
	// file inode, which breaks a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		s.logf("file store watch failed for %s: %v", filepath.Dir(path), err)
		return s, nil
	}
	s.watcher = watcher
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLoop()
	}()
	return s, nil
}

func (s *FileStore) Get(key string) ([]byte, error) {
	if s == nil || key == "" {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *FileStore) Set(key string, value []byte) error {
	if s == nil || key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.entries[key]
	s.entries[key] = append([]byte(nil), value...)
	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	if s == nil || key == "" {
		return ErrInvalidInput
	}
	return s.DeleteAll([]string{key})
}

func (s *FileStore) DeleteAll(keys []string) error {
	if s == nil {
		return ErrInvalidInput
	}
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := map[string][]byte{}
	for _, key := range keys {
		if value, ok := s.entries[key]; ok {
			removed[key] = value
			delete(s.entries, key)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		for key, value := range removed {
			s.entries[key] = value
		}
		return err
	}
	return nil
}

func (s *FileStore) Keys() ([]string, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logf("file store reload after external change failed: %v", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logf("file store watcher error: %v", err)
		}
	}
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Entries == nil {
		state.Entries = map[string][]byte{}
	}
	s.mu.Lock()
	s.entries = state.Entries
	s.mu.Unlock()
	return nil
}

func (s *FileStore) saveLocked() error {
	state := fileStoreState{Entries: s.entries}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
