package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ClientFS reads and writes files on the connected client's side. When a
// turn runs with a ClientFS, the filesystem tools route through it instead
// of touching the local disk.
type ClientFS interface {
	ReadTextFile(ctx context.Context, path string, startLine, endLine *int) (string, error)
	WriteTextFile(ctx context.Context, path, content string) error
}

// TurnCallbacks connects a running turn to whatever owns the conversation.
// Emit callbacks stream turn output in order; RequestPermission gates tool
// execution in prompt mode. Nil callbacks are skipped.
type TurnCallbacks struct {
	OnMessageChunk   func(text string) error
	OnThoughtChunk   func(text string) error
	OnToolCall       func(call session.ToolCall) error
	OnToolCallUpdate func(id string, status protocol.ToolCallStatus, output string) error
	OnPlan           func(entries []protocol.PlanEntry) error

	RequestPermission func(ctx context.Context, call session.ToolCall) (bool, error)

	FS ClientFS
}

func (cb TurnCallbacks) messageChunk(text string) error {
	if cb.OnMessageChunk == nil {
		return nil
	}
	return cb.OnMessageChunk(text)
}

func (cb TurnCallbacks) thoughtChunk(text string) error {
	if cb.OnThoughtChunk == nil {
		return nil
	}
	return cb.OnThoughtChunk(text)
}

func (cb TurnCallbacks) toolCall(call session.ToolCall) error {
	if cb.OnToolCall == nil {
		return nil
	}
	return cb.OnToolCall(call)
}

func (cb TurnCallbacks) toolCallUpdate(id string, status protocol.ToolCallStatus, output string) error {
	if cb.OnToolCallUpdate == nil {
		return nil
	}
	return cb.OnToolCallUpdate(id, status, output)
}

func (cb TurnCallbacks) plan(entries []protocol.PlanEntry) error {
	if cb.OnPlan == nil {
		return nil
	}
	return cb.OnPlan(entries)
}

type Agent struct {
	Config         *config.Config
	LLMClient      llm.LLMClient
	AvailableTools []tools.Tool
	Mode           Mode
}

// New builds an agent around the given tool registry. An empty or missing
// toolset selects every registered tool.
func New(cfg *config.Config, registry *tools.ToolRegistry, toolset string, mode Mode, client llm.LLMClient) (*Agent, error) {
	var activeTools []tools.Tool
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		// No toolsets configured at all: expose everything registered.
		activeTools = registry.AllTools()
	} else {
		activeTools, err = registry.GetActiveTools(ts)
		if err != nil {
			return nil, err
		}
	}

	return &Agent{
		Config:         cfg,
		LLMClient:      client,
		AvailableTools: activeTools,
		Mode:           mode,
	}, nil
}

// ProcessTurn drives one prompt turn to a terminal stop reason. The loop
// alternates model calls and tool execution until the model stops requesting
// tools, the backend reports max_tokens, cancellation is observed, or an
// error ends the turn. Cancellation is checked before each emit and each
// tool invocation; announced tool calls always reach a terminal status
// before the turn ends.
//
// The caller owns the turn: ProcessTurn buffers messages into it but never
// calls EndTurn.
func (a *Agent) ProcessTurn(ctx context.Context, turn *session.Turn, userText string, cb TurnCallbacks) (protocol.StopReason, error) {
	turn.Append(session.Message{Role: session.RoleUser, Content: userText})

	// Unblocks in-flight model calls, permission waits and tool executions
	// as soon as the turn is cancelled.
	turnCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-turn.CancelChan():
			stop()
		case <-turnCtx.Done():
		}
	}()

	for {
		if turn.Cancelled() {
			return protocol.StopCancelled, nil
		}

		reply, err := a.LLMClient.Chat(turnCtx, turn.Messages(), a.AvailableTools)
		if err != nil {
			if turn.Cancelled() {
				return protocol.StopCancelled, nil
			}
			return protocol.StopError, errors.Wrapf(err, "LLM chat failed")
		}

		calls := a.annotateCalls(reply.ToolCalls)

		// Checkpoint before streaming the reply.
		if turn.Cancelled() {
			a.commitRound(turn, reply, calls, cancelledResults(calls))
			return protocol.StopCancelled, nil
		}

		if reply.Thinking != "" {
			if err := cb.thoughtChunk(reply.Thinking); err != nil {
				a.commitRound(turn, reply, calls, cancelledResults(calls))
				return protocol.StopError, err
			}
		}
		if strings.TrimSpace(reply.Content) != "" {
			if err := cb.messageChunk(reply.Content); err != nil {
				a.commitRound(turn, reply, calls, cancelledResults(calls))
				return protocol.StopError, err
			}
		}

		// A truncated reply ends the turn before any of its tool calls are
		// announced.
		if reply.StopReason == "max_tokens" {
			a.commitRound(turn, reply, calls, cancelledResults(calls))
			return protocol.StopMaxTokens, nil
		}

		if len(calls) == 0 {
			a.commitRound(turn, reply, nil, nil)
			return protocol.StopEndTurn, nil
		}

		stopReason, toolMsgs, err := a.runCalls(turnCtx, turn, calls, cb)
		a.commitRound(turn, reply, calls, toolMsgs)
		if err != nil {
			return protocol.StopError, err
		}
		if stopReason == protocol.StopCancelled {
			return protocol.StopCancelled, nil
		}
	}
}

// runCalls announces and executes one round of tool calls, mutating their
// statuses in place. It returns the tool result messages for the round, and
// StopCancelled if cancellation cut the round short.
func (a *Agent) runCalls(ctx context.Context, turn *session.Turn, calls []session.ToolCall, cb TurnCallbacks) (protocol.StopReason, []session.Message, error) {
	var toolMsgs []session.Message

	for i := range calls {
		if err := cb.toolCall(calls[i]); err != nil {
			remaining := a.cancelRemaining(calls, toolMsgs)
			return protocol.StopError, remaining, err
		}
	}

	planned := len(calls) >= 2
	if planned {
		if err := cb.plan(planEntries(calls)); err != nil {
			remaining := a.cancelRemaining(calls, toolMsgs)
			return protocol.StopError, remaining, err
		}
	}

	for i := range calls {
		call := &calls[i]

		// Checkpoint before each tool invocation.
		if turn.Cancelled() {
			remaining, err := a.markRemainingCancelled(calls, toolMsgs, cb)
			return protocol.StopCancelled, remaining, err
		}

		if a.Mode == ModePrompt && cb.RequestPermission != nil {
			granted, err := cb.RequestPermission(ctx, *call)
			if err != nil {
				if turn.Cancelled() {
					remaining, werr := a.markRemainingCancelled(calls, toolMsgs, cb)
					return protocol.StopCancelled, remaining, werr
				}
				remaining, _ := a.markRemainingCancelled(calls, toolMsgs, cb)
				return protocol.StopError, remaining, err
			}
			if !granted {
				advance(call, protocol.ToolCallFailed)
				call.Result = "User denied permission to run this tool."
				uerr := cb.toolCallUpdate(call.ToolCallID, protocol.ToolCallFailed, call.Result)
				toolMsgs = append(toolMsgs, toolResultMessage(*call))
				if uerr != nil {
					return protocol.StopError, a.cancelRemaining(calls, toolMsgs), uerr
				}
				if planned {
					if err := cb.plan(planEntries(calls)); err != nil {
						return protocol.StopError, a.cancelRemaining(calls, toolMsgs), err
					}
				}
				continue
			}
		}

		advance(call, protocol.ToolCallInProgress)
		if err := cb.toolCallUpdate(call.ToolCallID, protocol.ToolCallInProgress, ""); err != nil {
			return protocol.StopError, a.cancelRemaining(calls, toolMsgs), err
		}

		result, err := a.executeCall(ctx, *call, cb)
		if err != nil {
			if turn.Cancelled() {
				advance(call, protocol.ToolCallCancelled)
				uerr := cb.toolCallUpdate(call.ToolCallID, protocol.ToolCallCancelled, "")
				toolMsgs = append(toolMsgs, toolResultMessage(*call))
				remaining, werr := a.markRemainingCancelled(calls, toolMsgs, cb)
				if uerr == nil {
					uerr = werr
				}
				return protocol.StopCancelled, remaining, uerr
			}
			advance(call, protocol.ToolCallFailed)
			call.Result = fmt.Sprintf("Tool execution failed: %v", err)
			uerr := cb.toolCallUpdate(call.ToolCallID, protocol.ToolCallFailed, call.Result)
			toolMsgs = append(toolMsgs, toolResultMessage(*call))
			if uerr != nil {
				return protocol.StopError, a.cancelRemaining(calls, toolMsgs), uerr
			}
		} else {
			advance(call, protocol.ToolCallCompleted)
			call.Result = result
			uerr := cb.toolCallUpdate(call.ToolCallID, protocol.ToolCallCompleted, result)
			toolMsgs = append(toolMsgs, toolResultMessage(*call))
			if uerr != nil {
				return protocol.StopError, a.cancelRemaining(calls, toolMsgs), uerr
			}
		}

		if planned {
			if err := cb.plan(planEntries(calls)); err != nil {
				return protocol.StopError, a.cancelRemaining(calls, toolMsgs), err
			}
		}
	}

	return "", toolMsgs, nil
}

// advance moves a call to next when the status machine allows it, reporting
// whether the transition happened. Terminal statuses never change.
func advance(call *session.ToolCall, next protocol.ToolCallStatus) bool {
	if !protocol.ToolCallStatus(call.Status).CanAdvanceTo(next) {
		return false
	}
	call.Status = string(next)
	return true
}

// markRemainingCancelled drives every announced, non-terminal call to the
// cancelled status and returns the full tool message set for the round.
func (a *Agent) markRemainingCancelled(calls []session.ToolCall, toolMsgs []session.Message, cb TurnCallbacks) ([]session.Message, error) {
	var emitErr error
	for i := range calls {
		call := &calls[i]
		if !advance(call, protocol.ToolCallCancelled) {
			continue
		}
		if err := cb.toolCallUpdate(call.ToolCallID, protocol.ToolCallCancelled, ""); err != nil && emitErr == nil {
			emitErr = err
		}
		toolMsgs = append(toolMsgs, toolResultMessage(*call))
	}
	return toolMsgs, emitErr
}

// cancelRemaining marks non-terminal calls cancelled without emitting
// updates, for rounds whose calls were never announced or whose stream
// already failed.
func (a *Agent) cancelRemaining(calls []session.ToolCall, toolMsgs []session.Message) []session.Message {
	for i := range calls {
		call := &calls[i]
		if !advance(call, protocol.ToolCallCancelled) {
			continue
		}
		toolMsgs = append(toolMsgs, toolResultMessage(*call))
	}
	return toolMsgs
}

// cancelledResults marks every call cancelled and builds their result
// messages, for replies that never reached execution.
func cancelledResults(calls []session.ToolCall) []session.Message {
	var msgs []session.Message
	for i := range calls {
		if !advance(&calls[i], protocol.ToolCallCancelled) {
			continue
		}
		msgs = append(msgs, toolResultMessage(calls[i]))
	}
	return msgs
}

// commitRound buffers one round's messages into the turn: the assistant
// reply with its finalized tool calls, then one tool message per result.
func (a *Agent) commitRound(turn *session.Turn, reply *session.Message, calls []session.ToolCall, toolMsgs []session.Message) {
	msg := session.Message{
		Role:       session.RoleAssistant,
		Content:    reply.Content,
		Thinking:   reply.Thinking,
		ToolCalls:  calls,
		StopReason: reply.StopReason,
	}
	turn.Append(msg)
	for _, tm := range toolMsgs {
		turn.Append(tm)
	}
}

// annotateCalls fills in the lifecycle fields of freshly requested calls:
// id when the backend omitted one, display title, kind, pending status.
func (a *Agent) annotateCalls(calls []session.ToolCall) []session.ToolCall {
	out := make([]session.ToolCall, len(calls))
	for i, call := range calls {
		if call.ToolCallID == "" {
			call.ToolCallID = "call_" + uuid.NewString()
		}
		call.Title = toolCallTitle(call)
		call.Kind = string(a.toolKind(call.Name))
		call.Status = string(protocol.ToolCallPending)
		out[i] = call
	}
	return out
}

func (a *Agent) toolKind(name string) protocol.ToolKind {
	if t, ok := a.findTool(name); ok {
		return t.Kind()
	}
	return protocol.ToolKindOther
}

func (a *Agent) findTool(name string) (tools.Tool, bool) {
	for _, t := range a.AvailableTools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// executeCall runs one tool call. The filesystem tools route to the client
// when the turn carries a ClientFS; everything else dispatches to the local
// tool of that name.
func (a *Agent) executeCall(ctx context.Context, call session.ToolCall, cb TurnCallbacks) (string, error) {
	if cb.FS != nil {
		switch call.Name {
		case "read_file":
			return a.clientRead(ctx, call, cb.FS)
		case "write_file":
			return a.clientWrite(ctx, call, cb.FS)
		}
	}

	tool, ok := a.findTool(call.Name)
	if !ok {
		return "", errors.New("tool '%s' is not available", call.Name)
	}
	return tool.Execute(ctx, call.Args)
}

func (a *Agent) clientRead(ctx context.Context, call session.ToolCall, fs ClientFS) (string, error) {
	path, ok := call.Args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}
	hidden, err := tools.IsPathRestricted(path, a.Config.FilesystemAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	var startLine, endLine *int
	if v, ok := call.Args["start_line"].(float64); ok {
		n := int(v)
		startLine = &n
	}
	if v, ok := call.Args["end_line"].(float64); ok {
		n := int(v)
		endLine = &n
	}
	return fs.ReadTextFile(ctx, path, startLine, endLine)
}

func (a *Agent) clientWrite(ctx context.Context, call session.ToolCall, fs ClientFS) (string, error) {
	path, pathOk := call.Args["path"].(string)
	content, contentOk := call.Args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	hidden, err := tools.IsPathRestricted(path, a.Config.FilesystemAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	readOnly, err := tools.IsPathRestricted(path, a.Config.FilesystemAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}
	if err := fs.WriteTextFile(ctx, path, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// toolResultMessage builds the tool-role message recording one finished
// call. Cancelled and denied calls still get a result so the model sees a
// response for every call it made.
func toolResultMessage(call session.ToolCall) session.Message {
	content := call.Result
	if call.Status == string(protocol.ToolCallCancelled) {
		content = "Tool call was cancelled before completion."
	}
	return session.Message{
		Role:    session.RoleTool,
		Content: content,
		ToolCalls: []session.ToolCall{{
			ToolCallID: call.ToolCallID,
			Name:       call.Name,
		}},
	}
}

// toolCallTitle builds the display title for a call from its primary
// argument.
func toolCallTitle(call session.ToolCall) string {
	arg := func(key string) (string, bool) {
		v, ok := call.Args[key].(string)
		return v, ok
	}
	switch call.Name {
	case "read_file":
		if path, ok := arg("path"); ok {
			return fmt.Sprintf("Read %s", path)
		}
	case "write_file":
		if path, ok := arg("path"); ok {
			return fmt.Sprintf("Write %s", path)
		}
	case "read_dir":
		if path, ok := arg("path"); ok {
			return fmt.Sprintf("List %s", path)
		}
	case "execute_command":
		if command, ok := arg("command"); ok {
			return fmt.Sprintf("Run %s", command)
		}
	case "fetch_url":
		if url, ok := arg("url"); ok {
			return fmt.Sprintf("Fetch %s", url)
		}
	}
	return call.Name
}

// planEntries mirrors a round of tool calls as plan entries.
func planEntries(calls []session.ToolCall) []protocol.PlanEntry {
	entries := make([]protocol.PlanEntry, len(calls))
	for i, call := range calls {
		status := protocol.PlanPending
		switch protocol.ToolCallStatus(call.Status) {
		case protocol.ToolCallInProgress:
			status = protocol.PlanInProgress
		case protocol.ToolCallCompleted, protocol.ToolCallFailed, protocol.ToolCallCancelled:
			status = protocol.PlanCompleted
		}
		entries[i] = protocol.PlanEntry{
			Description: call.Title,
			Priority:    "medium",
			Status:      status,
		}
	}
	return entries
}
