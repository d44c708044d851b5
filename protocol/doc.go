// Package protocol defines the JSON-RPC 2.0 envelope and the Agent Client
// Protocol (ACP) wire schema used by the parley server.
//
// The envelope types distinguish requests from notifications by the presence
// of an id member: an absent id marks a notification and must never produce
// a response frame, while an explicit null or non-string/non-number id makes
// the frame an invalid request. Inbound frames that carry an id but no
// method are responses to agent-initiated calls (fs/read_text_file and
// friends).
//
// The ACP types mirror the wire field names exactly; everything in this
// package marshals to the shapes a client sees on the stream.
package protocol
