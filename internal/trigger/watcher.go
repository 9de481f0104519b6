package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pipali/pipali/internal/logging"
)

// debounceWindow coalesces the burst of events an editor save produces
// into one firing.
const debounceWindow = 500 * time.Millisecond

// Watch is one filesystem trigger.
type Watch struct {
	// Path is the directory to watch.
	Path string `yaml:"path"`
	// Message is the submitted text; %s is replaced with the changed
	// file's name.
	Message string `yaml:"message"`
	// ConversationID pins firings to one conversation; empty means a
	// fresh conversation per firing.
	ConversationID string `yaml:"conversationId,omitempty"`
}

// WatchSource fires a message when files under a directory change.
type WatchSource struct {
	watch     Watch
	submitter Submitter
}

// NewWatchSource creates a watcher for one directory.
func NewWatchSource(watch Watch, submitter Submitter) *WatchSource {
	return &WatchSource{watch: watch, submitter: submitter}
}

// Run watches until ctx is cancelled. It blocks.
func (s *WatchSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.watch.Path); err != nil {
		return fmt.Errorf("watch %s: %w", s.watch.Path, err)
	}
	logging.Infof("[Trigger] Watching %s", s.watch.Path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
		changed string
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
				continue
			}
			changed = filepath.Base(event.Name)
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			text := s.watch.Message
			if text == "" {
				text = "File %s changed, take a look."
			}
			if strings.Contains(text, "%s") {
				text = fmt.Sprintf(text, changed)
			}
			if err := submit(ctx, s.submitter, s.watch.ConversationID, text); err != nil {
				logging.Errorf("[Trigger] Watch submit: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("[Trigger] Watcher error: %v", err)
		}
	}
}
