// Package agent drives prompt turns for the Parley system.
//
// This package contains the conversation engine shared by every transport:
// it takes a user prompt, loops the configured LLM over the session history,
// executes the tool calls the model requests, and reports everything that
// happens through callbacks. The ACP server wires those callbacks to
// session/update notifications; tests wire them to recorders.
//
// # Core Functionality
//
// The Agent type provides:
//
//   - Toolset resolution against the configured tool registry
//   - The prompt-turn loop: LLM calls alternating with tool execution
//   - Tool call lifecycle tracking (pending, in_progress, terminal)
//   - Cooperative cancellation observed between model calls and tool runs
//   - Callback-based streaming so transports decide how events are delivered
//
// # Usage
//
// To create an agent and run a turn:
//
//	agent, err := agent.New(cfg, registry, toolset, mode, llmClient)
//	if err != nil {
//	    // handle error
//	}
//
//	callbacks := agent.TurnCallbacks{
//	    OnMessageChunk: func(text string) error {
//	        // Stream assistant text
//	        return nil
//	    },
//	    OnToolCall: func(call session.ToolCall) error {
//	        // A tool call was announced (status pending)
//	        return nil
//	    },
//	    OnToolCallUpdate: func(id string, status protocol.ToolCallStatus, output string) error {
//	        // A tool call changed status
//	        return nil
//	    },
//	}
//
//	stopReason, err := agent.ProcessTurn(ctx, turn, "user message", callbacks)
//
// ProcessTurn buffers every message into the turn; the caller commits them
// with EndTurn once the stop reason is known.
//
// # Modes
//
// The agent supports two operation modes:
//
//   - ModeAuto: Tools are executed automatically without confirmation
//   - ModePrompt: Tool execution waits on the RequestPermission callback
//
// # Turn Lifecycle
//
// Every tool call the agent announces reaches exactly one terminal status:
// completed, failed, or cancelled. Cancellation is checked before each
// emit and each tool invocation, so a cancelled turn wraps up by marking
// its announced calls cancelled and returning the cancelled stop reason
// rather than abandoning them mid-flight.
//
// # Client-Side Filesystem
//
// When TurnCallbacks carries a ClientFS, the read_file and write_file tools
// route through it instead of the local disk. This lets an editor client
// serve file content from unsaved buffers. The configured hidden and
// read-only path restrictions still apply before any request leaves the
// agent.
package agent
