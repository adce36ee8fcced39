package realm

import (
	"context"
	"net/url"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/samlgate/internal/logging"
)

const (
	refreshTimeout  = 30 * time.Second
	refreshDebounce = 500 * time.Millisecond
)

// refresher keeps the realm's IdP in step with its metadata source. URL
// sources are polled on the configured interval; file sources are watched
// with fsnotify so a rotated metadata file takes effect without a restart.
type refresher struct {
	rm       *Realm
	source   string
	interval time.Duration
	stopCh   chan struct{}
	watcher  *fsnotify.Watcher
}

func newRefresher(rm *Realm, source string, interval time.Duration) *refresher {
	return &refresher{
		rm:       rm,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (rf *refresher) start() error {
	path, isFile := metadataFilePath(rf.source)
	if !isFile {
		go rf.pollLoop()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors and config tooling replace files rather
	// than writing them in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	rf.watcher = watcher
	go rf.watchLoop(path)
	return nil
}

func (rf *refresher) stop() {
	close(rf.stopCh)
	if rf.watcher != nil {
		rf.watcher.Close()
	}
}

// pollLoop re-fetches URL metadata on the configured interval.
func (rf *refresher) pollLoop() {
	ticker := rf.rm.clock.NewTicker(rf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			rf.refresh()
		case <-rf.stopCh:
			return
		}
	}
}

// watchLoop reloads file metadata when the file is written or replaced.
func (rf *refresher) watchLoop(path string) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-rf.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(refreshDebounce, rf.refresh)

		case err, ok := <-rf.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("metadata watcher error", zap.Error(err))

		case <-rf.stopCh:
			return
		}
	}
}

func (rf *refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	rf.rm.refreshIdP(ctx)
}

// metadataFilePath reports whether the source is a filesystem path and
// returns it. Mirrors the scheme handling of the metadata fetcher.
func metadataFilePath(source string) (string, bool) {
	u, err := url.Parse(source)
	if err != nil {
		return source, true
	}
	switch u.Scheme {
	case "http", "https":
		return "", false
	case "file":
		return u.Path, true
	default:
		return source, true
	}
}
