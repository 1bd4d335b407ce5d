// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is emitted by Watch after the layered files were reloaded.
type Change struct {
	// Settings is the merged configuration after the reload.
	Settings map[string]interface{}
	// Err is set when the reload failed; Settings is then nil.
	Err error
}

// Watch reloads the manager whenever one of its layer files changes and
// emits the result on the returned channel. Bursts of file events within
// debounce are coalesced into a single reload. The channel is closed when
// ctx is done.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	files := make(map[string]struct{})
	for _, f := range m.Files() {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		files[abs] = struct{}{}
	}

	// Editors often replace files atomically, so the directory is watched
	// rather than each file.
	dir, err := filepath.Abs(m.options.WorkDir)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan Change, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, _ := filepath.Abs(ev.Name)
				if _, tracked := files[name]; !tracked {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case out <- Change{Err: werr}:
				case <-ctx.Done():
					return
				}
			case <-fire:
				fire = nil
				change := Change{}
				if err := m.Load(); err != nil {
					change.Err = err
				} else {
					change.Settings = m.AllSettings()
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
