package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// stubTool is a scriptable tool for engine tests.
type stubTool struct {
	name   string
	kind   protocol.ToolKind
	result string
	err    error

	mu    sync.Mutex
	calls int
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "stub tool " + s.name }
func (s *stubTool) Kind() protocol.ToolKind { return s.kind }

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.result, nil
}

func (s *stubTool) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recorder captures callback traffic in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	plans  [][]protocol.PlanEntry
	calls  []session.ToolCall
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) callbacks() TurnCallbacks {
	return TurnCallbacks{
		OnMessageChunk: func(text string) error {
			r.add("message:" + text)
			return nil
		},
		OnThoughtChunk: func(text string) error {
			r.add("thought:" + text)
			return nil
		},
		OnToolCall: func(call session.ToolCall) error {
			r.mu.Lock()
			r.calls = append(r.calls, call)
			r.mu.Unlock()
			r.add(fmt.Sprintf("call:%s:%s", call.Name, call.Status))
			return nil
		},
		OnToolCallUpdate: func(id string, status protocol.ToolCallStatus, output string) error {
			r.add(fmt.Sprintf("update:%s:%s", status, output))
			return nil
		},
		OnPlan: func(entries []protocol.PlanEntry) error {
			snapshot := make([]protocol.PlanEntry, len(entries))
			copy(snapshot, entries)
			r.mu.Lock()
			r.plans = append(r.plans, snapshot)
			r.mu.Unlock()
			r.add(fmt.Sprintf("plan:%d", len(entries)))
			return nil
		},
	}
}

func (r *recorder) eventList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func newTestAgent(client llm.LLMClient, mode Mode, available ...tools.Tool) *Agent {
	return &Agent{
		Config:         &config.Config{},
		LLMClient:      client,
		AvailableTools: available,
		Mode:           mode,
	}
}

func newTestTurn(t *testing.T) (*session.Session, *session.Turn) {
	t.Helper()
	reg := session.NewRegistry(t.TempDir())
	sess, err := reg.Create("/tmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	turn, err := sess.BeginTurn()
	if err != nil {
		t.Fatalf("BeginTurn failed: %v", err)
	}
	return sess, turn
}

func TestProcessTurnTextReply(t *testing.T) {
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{Content: "Hello there."}},
	}}
	a := newTestAgent(mock, ModeAuto)
	sess, turn := newTestTurn(t)
	rec := &recorder{}

	stop, err := a.ProcessTurn(context.Background(), turn, "hi", rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopEndTurn {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopEndTurn)
	}

	events := rec.eventList()
	if len(events) != 1 || events[0] != "message:Hello there." {
		t.Errorf("unexpected events: %v", events)
	}

	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}
	msgs := sess.Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(msgs))
	}
	if msgs[0].Role != session.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != session.RoleAssistant || msgs[1].Content != "Hello there." {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestProcessTurnThinkingBeforeMessage(t *testing.T) {
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{Content: "Answer.", Thinking: "Pondering."}},
	}}
	a := newTestAgent(mock, ModeAuto)
	_, turn := newTestTurn(t)
	rec := &recorder{}

	if _, err := a.ProcessTurn(context.Background(), turn, "hi", rec.callbacks()); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}

	events := rec.eventList()
	want := []string{"thought:Pondering.", "message:Answer."}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestProcessTurnToolCallLifecycle(t *testing.T) {
	tool := &stubTool{name: "greet", kind: protocol.ToolKindExecute, result: "greeting delivered"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "greet", Args: map[string]interface{}{"who": "world"}},
		}}},
		{Message: session.Message{Content: "Done."}},
	}}
	a := newTestAgent(mock, ModeAuto, tool)
	sess, turn := newTestTurn(t)
	rec := &recorder{}

	stop, err := a.ProcessTurn(context.Background(), turn, "greet the world", rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopEndTurn {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopEndTurn)
	}
	if tool.Calls() != 1 {
		t.Errorf("tool executed %d times, want 1", tool.Calls())
	}

	events := rec.eventList()
	want := []string{
		"call:greet:pending",
		"update:in_progress:",
		"update:completed:greeting delivered",
		"message:Done.",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}

	if len(rec.calls) != 1 {
		t.Fatalf("expected 1 announced call, got %d", len(rec.calls))
	}
	announced := rec.calls[0]
	if !strings.HasPrefix(announced.ToolCallID, "call_") {
		t.Errorf("tool call id %q missing call_ prefix", announced.ToolCallID)
	}
	if announced.Kind != string(protocol.ToolKindExecute) {
		t.Errorf("tool call kind = %q, want execute", announced.Kind)
	}
	if announced.Title != "greet" {
		t.Errorf("tool call title = %q, want %q", announced.Title, "greet")
	}

	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}
	msgs := sess.Snapshot()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 committed messages, got %d", len(msgs))
	}
	if msgs[1].Role != session.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("unexpected assistant tool message: %+v", msgs[1])
	}
	if msgs[1].ToolCalls[0].Status != string(protocol.ToolCallCompleted) {
		t.Errorf("committed call status = %q, want completed", msgs[1].ToolCalls[0].Status)
	}
	if msgs[2].Role != session.RoleTool || msgs[2].Content != "greeting delivered" {
		t.Errorf("unexpected tool result message: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].ToolCallID != announced.ToolCallID {
		t.Errorf("tool result id = %q, want %q", msgs[2].ToolCalls[0].ToolCallID, announced.ToolCallID)
	}
}

func TestProcessTurnUnknownTool(t *testing.T) {
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "bogus", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Recovered."}},
	}}
	a := newTestAgent(mock, ModeAuto)
	_, turn := newTestTurn(t)
	rec := &recorder{}

	stop, err := a.ProcessTurn(context.Background(), turn, "run something", rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopEndTurn {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopEndTurn)
	}

	var failed string
	for _, e := range rec.eventList() {
		if strings.HasPrefix(e, "update:failed:") {
			failed = e
		}
	}
	if failed == "" {
		t.Fatal("expected a failed tool call update")
	}
	if !strings.Contains(failed, "not available") {
		t.Errorf("failure output %q does not mention availability", failed)
	}
}

func TestProcessTurnToolExecutionError(t *testing.T) {
	tool := &stubTool{name: "flaky", kind: protocol.ToolKindOther, err: fmt.Errorf("disk on fire")}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "flaky", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Noted."}},
	}}
	a := newTestAgent(mock, ModeAuto, tool)
	sess, turn := newTestTurn(t)
	rec := &recorder{}

	stop, err := a.ProcessTurn(context.Background(), turn, "try it", rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopEndTurn {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopEndTurn)
	}

	var sawFailure bool
	for _, e := range rec.eventList() {
		if strings.HasPrefix(e, "update:failed:") && strings.Contains(e, "disk on fire") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("expected failed update carrying the tool error, events: %v", rec.eventList())
	}

	// The failure is reported back to the model as a tool result.
	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}
	msgs := sess.Snapshot()
	var toolMsg *session.Message
	for i := range msgs {
		if msgs[i].Role == session.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "disk on fire") {
		t.Errorf("tool result message missing failure text: %+v", toolMsg)
	}
}

func TestProcessTurnPermissionDenied(t *testing.T) {
	tool := &stubTool{name: "danger", kind: protocol.ToolKindExecute, result: "should not run"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "danger", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Understood."}},
	}}
	a := newTestAgent(mock, ModePrompt, tool)
	_, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	cb.RequestPermission = func(ctx context.Context, call session.ToolCall) (bool, error) {
		rec.add("permission:" + call.Name)
		return false, nil
	}

	stop, err := a.ProcessTurn(context.Background(), turn, "do the thing", cb)
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopEndTurn {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopEndTurn)
	}
	if tool.Calls() != 0 {
		t.Errorf("denied tool executed %d times, want 0", tool.Calls())
	}

	var sawDenial bool
	for _, e := range rec.eventList() {
		if strings.HasPrefix(e, "update:failed:") && strings.Contains(e, "denied") {
			sawDenial = true
		}
	}
	if !sawDenial {
		t.Errorf("expected a denial update, events: %v", rec.eventList())
	}
}

func TestProcessTurnPermissionGranted(t *testing.T) {
	tool := &stubTool{name: "danger", kind: protocol.ToolKindExecute, result: "ran fine"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "danger", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Done."}},
	}}
	a := newTestAgent(mock, ModePrompt, tool)
	_, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	cb.RequestPermission = func(ctx context.Context, call session.ToolCall) (bool, error) {
		return true, nil
	}

	if _, err := a.ProcessTurn(context.Background(), turn, "do the thing", cb); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if tool.Calls() != 1 {
		t.Errorf("granted tool executed %d times, want 1", tool.Calls())
	}
}

func TestProcessTurnAutoModeSkipsPermission(t *testing.T) {
	tool := &stubTool{name: "auto", kind: protocol.ToolKindOther, result: "ok"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "auto", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Done."}},
	}}
	a := newTestAgent(mock, ModeAuto, tool)
	_, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	cb.RequestPermission = func(ctx context.Context, call session.ToolCall) (bool, error) {
		t.Error("RequestPermission called in auto mode")
		return false, nil
	}

	if _, err := a.ProcessTurn(context.Background(), turn, "go", cb); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if tool.Calls() != 1 {
		t.Errorf("tool executed %d times, want 1", tool.Calls())
	}
}

func TestProcessTurnCancelBetweenCalls(t *testing.T) {
	first := &stubTool{name: "first", kind: protocol.ToolKindOther, result: "first done"}
	second := &stubTool{name: "second", kind: protocol.ToolKindOther, result: "second done"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "first", Args: map[string]interface{}{}},
			{Name: "second", Args: map[string]interface{}{}},
		}}},
	}}
	a := newTestAgent(mock, ModeAuto, first, second)
	sess, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	base := cb.OnToolCallUpdate
	cb.OnToolCallUpdate = func(id string, status protocol.ToolCallStatus, output string) error {
		if status == protocol.ToolCallCompleted {
			if err := sess.RequestCancel(); err != nil {
				t.Errorf("RequestCancel failed: %v", err)
			}
		}
		return base(id, status, output)
	}

	stop, err := a.ProcessTurn(context.Background(), turn, "run both", cb)
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopCancelled {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopCancelled)
	}
	if first.Calls() != 1 {
		t.Errorf("first tool executed %d times, want 1", first.Calls())
	}
	if second.Calls() != 0 {
		t.Errorf("second tool executed %d times after cancel, want 0", second.Calls())
	}

	var sawCancelled bool
	for _, e := range rec.eventList() {
		if strings.HasPrefix(e, "update:cancelled") {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Errorf("announced second call never reached cancelled, events: %v", rec.eventList())
	}

	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}
	msgs := sess.Snapshot()
	var toolResults int
	for _, m := range msgs {
		if m.Role == session.RoleTool {
			toolResults++
		}
	}
	if toolResults != 2 {
		t.Errorf("expected a tool result for each announced call, got %d", toolResults)
	}
}

func TestProcessTurnEmitFailureFinalizesRound(t *testing.T) {
	alpha := &stubTool{name: "alpha", kind: protocol.ToolKindOther, result: "alpha done"}
	beta := &stubTool{name: "beta", kind: protocol.ToolKindOther, result: "beta done"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "alpha", Args: map[string]interface{}{}},
			{Name: "beta", Args: map[string]interface{}{}},
		}}},
	}}
	a := newTestAgent(mock, ModeAuto, alpha, beta)
	sess, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	base := cb.OnToolCallUpdate
	cb.OnToolCallUpdate = func(id string, status protocol.ToolCallStatus, output string) error {
		_ = base(id, status, output)
		if status == protocol.ToolCallInProgress {
			return fmt.Errorf("client gone")
		}
		return nil
	}

	stop, err := a.ProcessTurn(context.Background(), turn, "run both", cb)
	if err == nil {
		t.Fatal("expected the emit failure to surface")
	}
	if stop != protocol.StopError {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopError)
	}
	if alpha.Calls() != 0 {
		t.Errorf("alpha executed %d times after its stream broke, want 0", alpha.Calls())
	}
	if beta.Calls() != 0 {
		t.Errorf("beta executed %d times, want 0", beta.Calls())
	}

	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}

	// Every announced call is terminal in the committed history even though
	// its updates could not stream, and each has a tool result.
	var assistant *session.Message
	var toolResults int
	msgs := sess.Snapshot()
	for i := range msgs {
		switch msgs[i].Role {
		case session.RoleAssistant:
			assistant = &msgs[i]
		case session.RoleTool:
			toolResults++
		}
	}
	if assistant == nil || len(assistant.ToolCalls) != 2 {
		t.Fatalf("expected an assistant message with 2 calls, got %+v", msgs)
	}
	for _, tc := range assistant.ToolCalls {
		if tc.Status != string(protocol.ToolCallCancelled) {
			t.Errorf("call %s status = %q, want cancelled", tc.Name, tc.Status)
		}
	}
	if toolResults != 2 {
		t.Errorf("expected a tool result for each announced call, got %d", toolResults)
	}
}

func TestProcessTurnEmitFailureAfterCompletion(t *testing.T) {
	alpha := &stubTool{name: "alpha", kind: protocol.ToolKindOther, result: "alpha done"}
	beta := &stubTool{name: "beta", kind: protocol.ToolKindOther, result: "beta done"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "alpha", Args: map[string]interface{}{}},
			{Name: "beta", Args: map[string]interface{}{}},
		}}},
	}}
	a := newTestAgent(mock, ModeAuto, alpha, beta)
	sess, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	base := cb.OnToolCallUpdate
	cb.OnToolCallUpdate = func(id string, status protocol.ToolCallStatus, output string) error {
		_ = base(id, status, output)
		if status == protocol.ToolCallCompleted {
			return fmt.Errorf("client gone")
		}
		return nil
	}

	stop, err := a.ProcessTurn(context.Background(), turn, "run both", cb)
	if err == nil {
		t.Fatal("expected the emit failure to surface")
	}
	if stop != protocol.StopError {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopError)
	}
	if alpha.Calls() != 1 {
		t.Errorf("alpha executed %d times, want 1", alpha.Calls())
	}
	if beta.Calls() != 0 {
		t.Errorf("beta executed %d times, want 0", beta.Calls())
	}

	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}

	// The call that ran keeps its completed status and result; the one that
	// never ran is cancelled, not completed.
	var assistant *session.Message
	var toolResults int
	msgs := sess.Snapshot()
	for i := range msgs {
		switch msgs[i].Role {
		case session.RoleAssistant:
			assistant = &msgs[i]
		case session.RoleTool:
			toolResults++
		}
	}
	if assistant == nil || len(assistant.ToolCalls) != 2 {
		t.Fatalf("expected an assistant message with 2 calls, got %+v", msgs)
	}
	byName := make(map[string]session.ToolCall)
	for _, tc := range assistant.ToolCalls {
		byName[tc.Name] = tc
	}
	if tc := byName["alpha"]; tc.Status != string(protocol.ToolCallCompleted) || tc.Result != "alpha done" {
		t.Errorf("alpha = %q/%q, want completed with its result", tc.Status, tc.Result)
	}
	if tc := byName["beta"]; tc.Status != string(protocol.ToolCallCancelled) {
		t.Errorf("beta status = %q, want cancelled", tc.Status)
	}
	if toolResults != 2 {
		t.Errorf("expected a tool result for each announced call, got %d", toolResults)
	}
}

func TestProcessTurnCancelBeforeChat(t *testing.T) {
	mock := &llm.MockLLMClient{}
	a := newTestAgent(mock, ModeAuto)
	sess, turn := newTestTurn(t)

	if err := sess.RequestCancel(); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	stop, err := a.ProcessTurn(context.Background(), turn, "too late", TurnCallbacks{})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopCancelled {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopCancelled)
	}
	if mock.Calls() != 0 {
		t.Errorf("LLM called %d times after cancel, want 0", mock.Calls())
	}
}

func TestProcessTurnMaxTokens(t *testing.T) {
	tool := &stubTool{name: "skipme", kind: protocol.ToolKindOther, result: "nope"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{
			Content:    "Partial ans",
			StopReason: "max_tokens",
			ToolCalls: []session.ToolCall{
				{Name: "skipme", Args: map[string]interface{}{}},
			},
		}},
	}}
	a := newTestAgent(mock, ModeAuto, tool)
	sess, turn := newTestTurn(t)
	rec := &recorder{}

	stop, err := a.ProcessTurn(context.Background(), turn, "long question", rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if stop != protocol.StopMaxTokens {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopMaxTokens)
	}
	if tool.Calls() != 0 {
		t.Errorf("tool executed %d times on truncated reply, want 0", tool.Calls())
	}
	for _, e := range rec.eventList() {
		if strings.HasPrefix(e, "call:") {
			t.Errorf("truncated reply announced a tool call: %v", rec.eventList())
		}
	}

	if err := sess.EndTurn(turn); err != nil {
		t.Fatalf("EndTurn failed: %v", err)
	}
	msgs := sess.Snapshot()
	if len(msgs) < 2 || msgs[1].StopReason != "max_tokens" {
		t.Errorf("committed assistant message missing stop reason: %+v", msgs)
	}
}

func TestProcessTurnPlanForMultipleCalls(t *testing.T) {
	first := &stubTool{name: "first", kind: protocol.ToolKindOther, result: "a"}
	second := &stubTool{name: "second", kind: protocol.ToolKindOther, result: "b"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "first", Args: map[string]interface{}{}},
			{Name: "second", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Both done."}},
	}}
	a := newTestAgent(mock, ModeAuto, first, second)
	_, turn := newTestTurn(t)
	rec := &recorder{}

	if _, err := a.ProcessTurn(context.Background(), turn, "run both", rec.callbacks()); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}

	if len(rec.plans) != 3 {
		t.Fatalf("expected 3 plan snapshots, got %d", len(rec.plans))
	}
	for i, plan := range rec.plans {
		if len(plan) != 2 {
			t.Fatalf("plan %d has %d entries, want 2", i, len(plan))
		}
	}
	if rec.plans[0][0].Status != protocol.PlanPending || rec.plans[0][1].Status != protocol.PlanPending {
		t.Errorf("initial plan not all pending: %+v", rec.plans[0])
	}
	if rec.plans[1][0].Status != protocol.PlanCompleted || rec.plans[1][1].Status != protocol.PlanPending {
		t.Errorf("mid plan wrong: %+v", rec.plans[1])
	}
	if rec.plans[2][0].Status != protocol.PlanCompleted || rec.plans[2][1].Status != protocol.PlanCompleted {
		t.Errorf("final plan wrong: %+v", rec.plans[2])
	}
}

func TestProcessTurnNoPlanForSingleCall(t *testing.T) {
	tool := &stubTool{name: "solo", kind: protocol.ToolKindOther, result: "done"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "solo", Args: map[string]interface{}{}},
		}}},
		{Message: session.Message{Content: "Done."}},
	}}
	a := newTestAgent(mock, ModeAuto, tool)
	_, turn := newTestTurn(t)
	rec := &recorder{}

	if _, err := a.ProcessTurn(context.Background(), turn, "run one", rec.callbacks()); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if len(rec.plans) != 0 {
		t.Errorf("expected no plan for a single call, got %d snapshots", len(rec.plans))
	}
}

func TestProcessTurnChatError(t *testing.T) {
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Err: fmt.Errorf("backend unavailable")},
	}}
	a := newTestAgent(mock, ModeAuto)
	_, turn := newTestTurn(t)

	stop, err := a.ProcessTurn(context.Background(), turn, "hi", TurnCallbacks{})
	if err == nil {
		t.Fatal("expected an error from a failing backend")
	}
	if stop != protocol.StopError {
		t.Errorf("stop reason = %q, want %q", stop, protocol.StopError)
	}
	if !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("error %q does not wrap the backend failure", err)
	}
}

type fakeClientFS struct {
	files  map[string]string
	writes map[string]string
}

func (f *fakeClientFS) ReadTextFile(ctx context.Context, path string, startLine, endLine *int) (string, error) {
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return tools.SliceLines(content, startLine, endLine), nil
}

func (f *fakeClientFS) WriteTextFile(ctx context.Context, path, content string) error {
	if f.writes == nil {
		f.writes = make(map[string]string)
	}
	f.writes[path] = content
	return nil
}

func TestProcessTurnClientFSRouting(t *testing.T) {
	local := &stubTool{name: "read_file", kind: protocol.ToolKindOther, result: "local content"}
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "read_file", Args: map[string]interface{}{"path": "/src/main.go"}},
		}}},
		{Message: session.Message{Content: "Read it."}},
	}}
	a := newTestAgent(mock, ModeAuto, local)
	_, turn := newTestTurn(t)
	rec := &recorder{}
	cb := rec.callbacks()
	cb.FS = &fakeClientFS{files: map[string]string{"/src/main.go": "package main\n"}}

	if _, err := a.ProcessTurn(context.Background(), turn, "read it", cb); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if local.Calls() != 0 {
		t.Errorf("local tool ran %d times despite client FS, want 0", local.Calls())
	}

	var sawContent bool
	for _, e := range rec.eventList() {
		if strings.Contains(e, "package main") {
			sawContent = true
		}
	}
	if !sawContent {
		t.Errorf("client file content never surfaced, events: %v", rec.eventList())
	}
}

func TestProcessTurnClientFSWrite(t *testing.T) {
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "write_file", Args: map[string]interface{}{
				"path":    "/src/new.go",
				"content": "package new\n",
			}},
		}}},
		{Message: session.Message{Content: "Written."}},
	}}
	a := newTestAgent(mock, ModeAuto)
	_, turn := newTestTurn(t)
	fs := &fakeClientFS{}
	rec := &recorder{}
	cb := rec.callbacks()
	cb.FS = fs

	if _, err := a.ProcessTurn(context.Background(), turn, "write it", cb); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if fs.writes["/src/new.go"] != "package new\n" {
		t.Errorf("client write missing, writes: %v", fs.writes)
	}
}

func TestProcessTurnClientFSHonorsRestrictions(t *testing.T) {
	mock := &llm.MockLLMClient{Replies: []llm.MockReply{
		{Message: session.Message{ToolCalls: []session.ToolCall{
			{Name: "read_file", Args: map[string]interface{}{"path": ".parley/config.yaml"}},
		}}},
		{Message: session.Message{Content: "Cannot."}},
	}}
	a := newTestAgent(mock, ModeAuto)
	a.Config.FilesystemAccess.Hidden = []string{".parley", ".parley/**"}
	_, turn := newTestTurn(t)
	fs := &fakeClientFS{files: map[string]string{".parley/config.yaml": "llm: mock"}}
	rec := &recorder{}
	cb := rec.callbacks()
	cb.FS = fs

	if _, err := a.ProcessTurn(context.Background(), turn, "read config", cb); err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}

	var sawDenied bool
	for _, e := range rec.eventList() {
		if strings.HasPrefix(e, "update:failed:") && strings.Contains(e, "hidden") {
			sawDenied = true
		}
	}
	if !sawDenied {
		t.Errorf("hidden path read was not denied, events: %v", rec.eventList())
	}
}

func TestToolCallTitles(t *testing.T) {
	tests := []struct {
		name string
		call session.ToolCall
		want string
	}{
		{"read", session.ToolCall{Name: "read_file", Args: map[string]interface{}{"path": "a.txt"}}, "Read a.txt"},
		{"write", session.ToolCall{Name: "write_file", Args: map[string]interface{}{"path": "b.txt"}}, "Write b.txt"},
		{"dir", session.ToolCall{Name: "read_dir", Args: map[string]interface{}{"path": "src"}}, "List src"},
		{"exec", session.ToolCall{Name: "execute_command", Args: map[string]interface{}{"command": "ls -la"}}, "Run ls -la"},
		{"fetch", session.ToolCall{Name: "fetch_url", Args: map[string]interface{}{"url": "https://x.test"}}, "Fetch https://x.test"},
		{"fallback", session.ToolCall{Name: "custom_tool", Args: map[string]interface{}{}}, "custom_tool"},
		{"missing arg", session.ToolCall{Name: "read_file", Args: map[string]interface{}{}}, "read_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolCallTitle(tt.call); got != tt.want {
				t.Errorf("toolCallTitle = %q, want %q", got, tt.want)
			}
		})
	}
}
