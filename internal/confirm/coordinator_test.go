package confirm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pipali/pipali/internal/protocol"
)

func TestRespondResolvesWaiter(t *testing.T) {
	c := New(time.Minute)
	req, ch := c.Request("c-1", "r-1", "shell", json.RawMessage(`{"command":"ls"}`), nil)

	if !c.Respond(req.RequestID, protocol.ConfirmationResponse{RequestID: req.RequestID, SelectedOptionID: OptionAllow, Guidance: "fine"}) {
		t.Fatal("respond returned false for known request")
	}

	select {
	case out := <-ch:
		if !out.Approved || out.Guidance != "fine" || out.Expired {
			t.Fatalf("unexpected outcome: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("outcome never delivered")
	}
}

func TestRespondIsIdempotent(t *testing.T) {
	c := New(time.Minute)
	req, ch := c.Request("c-1", "r-1", "shell", nil, nil)

	first := c.Respond(req.RequestID, protocol.ConfirmationResponse{SelectedOptionID: OptionDeny})
	second := c.Respond(req.RequestID, protocol.ConfirmationResponse{SelectedOptionID: OptionAllow})
	if !first || second {
		t.Fatalf("first=%v second=%v, want true/false", first, second)
	}

	out := <-ch
	if out.Approved {
		t.Fatal("second response must not win")
	}
	select {
	case extra := <-ch:
		t.Fatalf("waiter resolved twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	c := New(time.Minute)
	if c.Respond("nope", protocol.ConfirmationResponse{SelectedOptionID: OptionAllow}) {
		t.Fatal("respond returned true for unknown request")
	}
}

func TestExpiryAutoDenies(t *testing.T) {
	c := New(20 * time.Millisecond)
	req, ch := c.Request("c-1", "r-1", "shell", nil, nil)

	select {
	case out := <-ch:
		if out.Approved || !out.Expired || out.OptionID != OptionDeny {
			t.Fatalf("unexpected expiry outcome: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}

	// The expired request is fully resolved: a late answer is a no-op.
	if c.Respond(req.RequestID, protocol.ConfirmationResponse{SelectedOptionID: OptionAllow}) {
		t.Fatal("late respond after expiry should be a no-op")
	}
}

func TestPendingOrderPerConversation(t *testing.T) {
	c := New(time.Minute)
	a, _ := c.Request("c-1", "r-1", "shell", nil, nil)
	b, _ := c.Request("c-1", "r-1", "file_write", nil, nil)
	other, _ := c.Request("c-2", "r-9", "shell", nil, nil)

	got := c.Pending("c-1")
	if len(got) != 2 || got[0].RequestID != a.RequestID || got[1].RequestID != b.RequestID {
		t.Fatalf("pending order wrong: %+v", got)
	}
	if len(c.Pending("c-2")) != 1 {
		t.Fatal("other conversation pending lost")
	}

	c.Respond(a.RequestID, protocol.ConfirmationResponse{SelectedOptionID: OptionAllow})
	got = c.Pending("c-1")
	if len(got) != 1 || got[0].RequestID != b.RequestID {
		t.Fatalf("resolved request still pending: %+v", got)
	}
	_ = other
}

func TestDropConversationDeniesAll(t *testing.T) {
	c := New(time.Minute)
	_, ch1 := c.Request("c-1", "r-1", "shell", nil, nil)
	_, ch2 := c.Request("c-1", "r-1", "file_write", nil, nil)

	c.DropConversation("c-1")

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		select {
		case out := <-ch:
			if out.Approved {
				t.Fatal("teardown must deny")
			}
		case <-time.After(time.Second):
			t.Fatal("teardown did not resolve waiter")
		}
	}
	if len(c.Pending("c-1")) != 0 {
		t.Fatal("pending list not cleared")
	}
}
