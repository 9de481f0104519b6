package trigger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pipali/pipali/internal/protocol"
)

type captureSubmitter struct {
	mu   sync.Mutex
	cmds []*protocol.MessageCommand
}

func (c *captureSubmitter) Message(ctx context.Context, cmd *protocol.MessageCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
	return nil
}

func (c *captureSubmitter) wait(t *testing.T, n int) []*protocol.MessageCommand {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.cmds)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cmds) < n {
		t.Fatalf("expected %d submissions, got %d", n, len(c.cmds))
	}
	out := make([]*protocol.MessageCommand, len(c.cmds))
	copy(out, c.cmds)
	return out
}

func TestCronRejectsInvalidSpec(t *testing.T) {
	s := NewCronSource(&captureSubmitter{})
	if _, err := s.Add(Schedule{Spec: "not a cron spec", Message: "hi"}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if _, err := s.Add(Schedule{Spec: "0 9 * * *"}); err == nil {
		t.Fatal("expected error for empty message")
	}
	if _, err := s.Add(Schedule{Spec: "0 9 * * *", Message: "morning briefing"}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestWatchSubmitsOnChange(t *testing.T) {
	dir := t.TempDir()
	sub := &captureSubmitter{}
	src := NewWatchSource(Watch{Path: dir, Message: "Review %s"}, sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := src.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	// Give the watcher a beat to install before touching the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmds := sub.wait(t, 1)
	if !strings.Contains(cmds[0].Message, "notes.md") {
		t.Fatalf("expected changed file in message, got %q", cmds[0].Message)
	}
	if cmds[0].ClientMessageID == "" {
		t.Fatal("trigger submissions must carry a client message id")
	}
}

func TestWatchDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	sub := &captureSubmitter{}
	src := NewWatchSource(Watch{Path: dir, Message: "changed"}, sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(strings.Repeat("x", i+1)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	sub.wait(t, 1)
	// The burst fits one debounce window; a second submission would
	// arrive within it if coalescing failed.
	time.Sleep(debounceWindow + 200*time.Millisecond)
	sub.mu.Lock()
	got := len(sub.cmds)
	sub.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected 1 coalesced submission, got %d", got)
	}
}
