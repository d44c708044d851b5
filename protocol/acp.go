package protocol

// ProtocolVersion is the newest protocol major version this agent speaks.
// ProtocolVersionMin is the oldest. The two coincide today.
const (
	ProtocolVersion    = 1
	ProtocolVersionMin = 1
)

// Method names handled by the agent.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionsList  = "_sessions/list"
)

// Method names the agent calls on the client.
const (
	MethodSessionUpdate     = "session/update"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodRequestPermission = "session/request_permission"
)

// Implementation identifies one side of the connection.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// FileSystemCapability advertises which filesystem methods the client serves.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// ClientCapabilities is what the client offers the agent.
type ClientCapabilities struct {
	FS FileSystemCapability `json:"fs,omitempty"`
}

// PromptCapabilities advertises which prompt content types the agent accepts
// beyond text and resource_link, which are always accepted.
type PromptCapabilities struct {
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
	Image           bool `json:"image,omitempty"`
}

// AgentCapabilities is what the agent offers the client.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities,omitempty"`
}

// AuthMethod describes one way the client can authenticate.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         Implementation    `json:"agentInfo"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

// AuthenticateParams selects an auth method and supplies its credentials.
type AuthenticateParams struct {
	Method      string            `json:"method"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// AuthenticateResult reports whether authentication succeeded.
type AuthenticateResult struct {
	Success bool `json:"success"`
}

// NewSessionParams carries the working directory for a fresh session.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// NewSessionResult returns the server-generated session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams names an existing session to restore.
type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// LoadSessionResult confirms the restored session.
type LoadSessionResult struct {
	SessionID string `json:"sessionId"`
}

// PromptParams carries one user turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Content   []ContentBlock `json:"content"`
}

// PromptResult reports why the turn stopped.
type PromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

// CancelParams names the session whose running turn should stop.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// StopReason is the terminal outcome of a prompt turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// ContentBlock is one piece of prompt or update content. Text blocks carry
// Text; resource_link blocks carry URI and the optional metadata fields.
type ContentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolKind classifies a tool call for client-side presentation.
type ToolKind string

const (
	ToolKindExecute ToolKind = "execute"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindEdit    ToolKind = "edit"
	ToolKindOther   ToolKind = "other"
)

// ToolCallStatus is the lifecycle state of one announced tool call.
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
	ToolCallCancelled  ToolCallStatus = "cancelled"
)

// Terminal reports whether the status ends the tool call's lifecycle.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallCancelled:
		return true
	}
	return false
}

// CanAdvanceTo reports whether next is a legal successor status: pending may
// move to in_progress or any terminal status, in_progress to any terminal
// status, and terminal statuses never change.
func (s ToolCallStatus) CanAdvanceTo(next ToolCallStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case ToolCallPending:
		return next == ToolCallInProgress || next.Terminal()
	case ToolCallInProgress:
		return next.Terminal()
	}
	return false
}

// PlanEntry is one step of an announced execution plan.
type PlanEntry struct {
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
}

// Plan entry statuses.
const (
	PlanPending    = "pending"
	PlanInProgress = "in_progress"
	PlanCompleted  = "completed"
)

// Session update discriminator values.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionUpdate is the tagged union carried by session/update notifications.
// SessionUpdate selects the variant; the other fields are populated per
// variant and omitted otherwise.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// Chunk variants and tool_call_update output.
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call and tool_call_update.
	ToolCallID string         `json:"toolCallId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       ToolKind       `json:"kind,omitempty"`
	Status     ToolCallStatus `json:"status,omitempty"`

	// plan.
	Entries []PlanEntry `json:"entries,omitempty"`
}

// AgentMessageChunk builds an agent_message_chunk update.
func AgentMessageChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateAgentMessageChunk, Content: &block}
}

// AgentThoughtChunk builds an agent_thought_chunk update.
func AgentThoughtChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateAgentThoughtChunk, Content: &block}
}

// UserMessageChunk builds a user_message_chunk update, used when replaying
// history into a loaded session.
func UserMessageChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateUserMessageChunk, Content: &block}
}

// ToolCallStart builds a tool_call update announcing a new call.
func ToolCallStart(id, title string, kind ToolKind, status ToolCallStatus) SessionUpdate {
	return SessionUpdate{
		SessionUpdate: UpdateToolCall,
		ToolCallID:    id,
		Title:         title,
		Kind:          kind,
		Status:        status,
	}
}

// ToolCallProgress builds a tool_call_update. Output may be empty when the
// update carries only a status change.
func ToolCallProgress(id string, status ToolCallStatus, output string) SessionUpdate {
	u := SessionUpdate{
		SessionUpdate: UpdateToolCallUpdate,
		ToolCallID:    id,
		Status:        status,
	}
	if output != "" {
		block := TextBlock(output)
		u.Content = &block
	}
	return u
}

// PlanUpdate builds a plan update.
func PlanUpdate(entries []PlanEntry) SessionUpdate {
	return SessionUpdate{SessionUpdate: UpdatePlan, Entries: entries}
}

// NotificationMeta is the _meta extension object stamped onto session/update
// notifications. Seq increases by one per notification within a session.
type NotificationMeta struct {
	Seq uint64 `json:"seq"`
}

// SessionNotification is the payload of a session/update notification.
type SessionNotification struct {
	SessionID string            `json:"sessionId"`
	Update    SessionUpdate     `json:"update"`
	Meta      *NotificationMeta `json:"_meta,omitempty"`
}

// ReadTextFileParams asks the client to read a file on its side. Line
// arguments are 1-based and inclusive; nil means unbounded.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	StartLine *int   `json:"startLine,omitempty"`
	EndLine   *int   `json:"endLine,omitempty"`
}

// ReadTextFileResult carries the file content back.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams asks the client to write a file on its side.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResult reports whether the write happened.
type WriteTextFileResult struct {
	Success bool `json:"success"`
}

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// Permission option kinds.
const (
	PermissionAllowOnce  = "allow_once"
	PermissionRejectOnce = "reject_once"
)

// RequestPermissionParams asks the user to approve one tool call.
type RequestPermissionParams struct {
	SessionID   string             `json:"sessionId"`
	ToolCallID  string             `json:"toolCallId"`
	Tool        string             `json:"tool"`
	Description string             `json:"description"`
	Options     []PermissionOption `json:"options,omitempty"`
}

// PermissionOutcome is the user's decision.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult wraps the decision.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// SessionInfo is one entry of the _sessions/list extension result.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Messages  int    `json:"messages"`
}

// SessionsListResult is the _sessions/list extension result.
type SessionsListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}
