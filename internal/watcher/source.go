package watcher

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/tether/internal/util"
)

// Source delivers raw "something under the root changed" signals. A signal
// carries no detail; the watcher rescans the tree to find out what changed.
type Source interface {
	Signals() <-chan struct{}
	Errors() <-chan error
	Close() error
}

// FSNotifySource is a Source backed by fsnotify. fsnotify watches single
// directories, so every directory under the root is added on start and new
// directories are added as they appear.
type FSNotifySource struct {
	watcher *fsnotify.Watcher
	signals chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewFSNotifySource starts watching root and every directory below it.
func NewFSNotifySource(root string) (*FSNotifySource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	s := &FSNotifySource{
		watcher: w,
		signals: make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}

	if err := s.addTree(root); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

// Signals returns the signal channel. It has a buffer of one, so a burst of
// events collapses into a single pending signal.
func (s *FSNotifySource) Signals() <-chan struct{} { return s.signals }

// Errors returns the channel of watch errors.
func (s *FSNotifySource) Errors() <-chan error { return s.errors }

// Close stops watching and waits for the event goroutine to exit.
func (s *FSNotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *FSNotifySource) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			util.LogDebug("watcher: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (s *FSNotifySource) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				// Errors are ignored: the path may be a file or already gone.
				s.addTree(event.Name)
			}
			select {
			case s.signals <- struct{}{}:
			default:
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default:
			}
		}
	}
}
