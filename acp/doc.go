// Package acp implements the Agent Client Protocol (ACP) server for Parley.
// It lets editors like Zed drive the agent over JSON-RPC 2.0 with
// newline-delimited frames on stdio.
//
// The server handles the following methods:
// - initialize: negotiates the protocol version and exchanges capabilities
// - authenticate: validates a configured auth method
// - session/new: creates a session
// - session/load: restores a persisted session and replays its history
// - session/prompt: runs one prompt turn to a stop reason
// - session/cancel (notification): requests cooperative turn cancellation
// - _sessions/list: extension listing live sessions
//
// While a turn runs, the server streams session/update notifications
// (agent_message_chunk, agent_thought_chunk, tool_call, tool_call_update,
// plan), each stamped with a per-session _meta.seq. It can also call back
// into the client with fs/read_text_file, fs/write_text_file, and
// session/request_permission when the client advertised the capability.
package acp
