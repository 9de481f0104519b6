package run

import (
	"testing"

	"github.com/pipali/pipali/internal/protocol"
)

func startRun(t *testing.T, m *Machine, runID, msgID string) *Run {
	t.Helper()
	r, err := m.Start(runID, msgID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return r
}

func TestStartRejectsSecondRun(t *testing.T) {
	m := NewMachine("c-1")
	startRun(t, m, "r-1", "m-1")

	if _, err := m.Start("r-2", "m-2"); err != ErrRunActive {
		t.Fatalf("got %v, want ErrRunActive", err)
	}
}

func TestStartAfterComplete(t *testing.T) {
	m := NewMachine("c-1")
	r := startRun(t, m, "r-1", "m-1")

	if err := m.BeginStep(r.ID, "", "final answer", nil); err != nil {
		t.Fatalf("begin step: %v", err)
	}
	if _, err := m.EndStep(r.ID, nil, nil); err != nil {
		t.Fatalf("end step: %v", err)
	}
	m.AssignStepID(r.ID, "s-1")
	if _, err := m.Complete(r.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Active() != nil {
		t.Fatal("machine should be idle after complete")
	}
	if _, err := m.Start("r-2", "m-2"); err != nil {
		t.Fatalf("start after complete: %v", err)
	}
}

func TestCompleteRequiresTextStep(t *testing.T) {
	m := NewMachine("c-1")
	r := startRun(t, m, "r-1", "m-1")

	calls := []protocol.ToolCall{{ID: "t-1", Name: "list_files"}}
	if err := m.BeginStep(r.ID, "checking", "", calls); err != nil {
		t.Fatalf("begin step: %v", err)
	}
	if _, err := m.Complete(r.ID); err != ErrNoTextStep {
		t.Fatalf("got %v, want ErrNoTextStep", err)
	}
}

func TestHardStopMarksPendingInterrupted(t *testing.T) {
	m := NewMachine("c-1")
	r := startRun(t, m, "r-1", "m-1")

	calls := []protocol.ToolCall{
		{ID: "t-1", Name: "list_files"},
		{ID: "t-2", Name: "shell"},
	}
	if err := m.BeginStep(r.ID, "working", "", calls); err != nil {
		t.Fatalf("begin step: %v", err)
	}

	stopped, ok := m.StopHard(protocol.StopUserStop)
	if !ok {
		t.Fatal("stop had no effect")
	}
	if stopped.Status != protocol.RunStopped || stopped.StopReason != protocol.StopUserStop {
		t.Fatalf("unexpected terminal state: %s/%s", stopped.Status, stopped.StopReason)
	}
	for _, step := range stopped.Steps {
		for _, th := range step.Thoughts {
			if th.Type != protocol.ThoughtToolCall {
				continue
			}
			if th.IsPending {
				t.Fatalf("thought %s still pending after hard stop", th.ID)
			}
			if th.ToolResult != protocol.InterruptedMarker {
				t.Fatalf("thought %s result %q, want %q", th.ID, th.ToolResult, protocol.InterruptedMarker)
			}
		}
	}
}

func TestHardStopDiscardsLaterStepEvents(t *testing.T) {
	m := NewMachine("c-1")
	r := startRun(t, m, "r-1", "m-1")

	if err := m.BeginStep(r.ID, "", "", []protocol.ToolCall{{ID: "t-1", Name: "shell"}}); err != nil {
		t.Fatalf("begin step: %v", err)
	}
	m.StopHard(protocol.StopUserStop)

	if err := m.BeginStep(r.ID, "", "late", nil); err != ErrRunTerminal {
		t.Fatalf("got %v, want ErrRunTerminal", err)
	}
	if _, err := m.EndStep(r.ID, nil, nil); err != ErrRunTerminal {
		t.Fatalf("got %v, want ErrRunTerminal", err)
	}
}

func TestSoftInterruptLetsStepFinish(t *testing.T) {
	m := NewMachine("c-1")
	r := startRun(t, m, "r-1", "m-1")

	calls := []protocol.ToolCall{{ID: "t-1", Name: "list_files"}}
	if err := m.BeginStep(r.ID, "", "", calls); err != nil {
		t.Fatalf("begin step: %v", err)
	}

	if !m.RequestSoftStop(QueuedMessage{RunID: "r-2", ClientMessageID: "m-2", Text: "new question"}) {
		t.Fatal("soft stop should queue against an active run")
	}
	if !m.SoftStopRequested() {
		t.Fatal("machine should be stopping")
	}

	// Current step finishes normally with real results.
	results := []protocol.ToolResult{{ToolCallID: "t-1", Content: "5 items"}}
	step, err := m.EndStep(r.ID, results, nil)
	if err != nil {
		t.Fatalf("end step during stopping: %v", err)
	}
	for _, th := range step.Thoughts {
		if th.ToolResult == protocol.InterruptedMarker {
			t.Fatal("soft interrupt must not mark results interrupted")
		}
		if th.Type == protocol.ThoughtToolCall && th.IsPending {
			t.Fatal("resolved thought still pending")
		}
	}

	stopped, ok := m.FinishSoftStop()
	if !ok {
		t.Fatal("finish soft stop failed")
	}
	if stopped.StopReason != protocol.StopSoftInterrupt {
		t.Fatalf("reason %q, want soft_interrupt", stopped.StopReason)
	}

	q, ok := m.Dequeue()
	if !ok || q.Text != "new question" {
		t.Fatalf("queued message lost: %+v ok=%v", q, ok)
	}
	if _, err := m.Start(q.RunID, q.ClientMessageID); err != nil {
		t.Fatalf("start queued run: %v", err)
	}
}

func TestSoftStopOnIdleStartsDirectly(t *testing.T) {
	m := NewMachine("c-1")
	if m.RequestSoftStop(QueuedMessage{Text: "hi"}) {
		t.Fatal("idle machine must not queue")
	}
	if m.QueueLen() != 0 {
		t.Fatal("queue should be empty")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	m := NewMachine("c-1")
	startRun(t, m, "r-1", "m-1")

	for _, text := range []string{"first", "second", "third"} {
		m.RequestSoftStop(QueuedMessage{Text: text})
	}
	for _, want := range []string{"first", "second", "third"} {
		q, ok := m.Dequeue()
		if !ok || q.Text != want {
			t.Fatalf("got %q ok=%v, want %q", q.Text, ok, want)
		}
	}
}

func TestPendingTransitionsExactlyOnce(t *testing.T) {
	m := NewMachine("c-1")
	r := startRun(t, m, "r-1", "m-1")

	calls := []protocol.ToolCall{{ID: "t-1", Name: "shell"}}
	if err := m.BeginStep(r.ID, "", "", calls); err != nil {
		t.Fatalf("begin step: %v", err)
	}
	results := []protocol.ToolResult{{ToolCallID: "t-1", Content: "ok"}}
	step, err := m.EndStep(r.ID, results, nil)
	if err != nil {
		t.Fatalf("end step: %v", err)
	}
	stopped, _ := m.StopHard(protocol.StopUserStop)
	if stopped == nil {
		t.Fatal("expected stop to land")
	}
	// Resolved thought keeps its real result through the hard stop.
	for _, th := range step.Thoughts {
		if th.ID == "t-1" && th.ToolResult != "ok" {
			t.Fatalf("resolved result overwritten: %q", th.ToolResult)
		}
	}
}
