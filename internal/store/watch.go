// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/maestro/pkg/errors"
)

// Watch keeps the store current until the context is cancelled. New,
// changed, and deleted definition files are applied as they happen;
// directories created under the root are watched as they appear.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create workflow watcher")
	}

	for _, dir := range s.subdirs() {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return errors.Wrapf(err, "failed to watch %s", dir)
		}
	}

	go s.watchLoop(ctx, watcher)
	s.logger.Info("workflow store watching", "dir", s.dir)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("workflow store watch stopped")
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("workflow store watch error", "error", err)
		}
	}
}

func (s *Store) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				s.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
		if s.matches(ev.Name) {
			s.loadFile(ev.Name)
		}
	case ev.Op.Has(fsnotify.Write):
		if s.matches(ev.Name) {
			s.loadFile(ev.Name)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if s.matches(ev.Name) {
			s.removeFile(ev.Name)
		}
	}
}
