package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

const (
	agentName    = "parley"
	agentTitle   = "Parley"
	agentVersion = "0.2.0"
)

func (s *Server) registerHandlers() error {
	errs := []error{
		s.router.Handle(protocol.MethodInitialize, s.handleInitialize),
		s.router.Handle(protocol.MethodAuthenticate, s.handleAuthenticate),
		s.router.Handle(protocol.MethodSessionNew, s.handleSessionNew),
		s.router.Handle(protocol.MethodSessionPrompt, s.handleSessionPrompt),
		s.router.Handle(protocol.MethodSessionsList, s.handleSessionsList),
		s.router.HandleNotify(protocol.MethodSessionCancel, s.handleSessionCancel),
	}
	if s.cfg.LoadSessionEnabled() {
		errs = append(errs, s.router.Handle(protocol.MethodSessionLoad, s.handleSessionLoad))
	}
	return errors.Join(errs...)
}

// ensureInitialized gates every method behind the handshake.
func (s *Server) ensureInitialized() *protocol.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return protocol.NewError(protocol.CodeInvalidRequest, "Server not initialized")
	}
	return nil
}

// requireAuth gates session methods when the config declares an api_key
// auth method and a key is actually configured in the environment. With no
// key to check against, authentication stays advisory.
func (s *Server) requireAuth() *protocol.Error {
	var hasAPIKey bool
	for _, m := range s.cfg.ACP.AuthMethods {
		if m.ID == "api_key" {
			hasAPIKey = true
		}
	}
	if !hasAPIKey || os.Getenv(s.cfg.ACP.APIKeyEnv) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return protocol.NewError(protocol.CodeInvalidRequest, "Authentication required")
	}
	return nil
}

func parseParams(req *protocol.Request, v interface{}) *protocol.Error {
	if len(req.Params) == 0 {
		return protocol.NewError(protocol.CodeInvalidParams, "Invalid params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return protocol.NewErrorWithData(protocol.CodeInvalidParams, "Invalid params", err.Error())
	}
	return nil
}

func (s *Server) handleInitialize(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
	s.trace("handleInitialize: starting")
	var params protocol.InitializeParams
	if perr := parseParams(req, &params); perr != nil {
		return nil, perr
	}

	// A failed negotiation does not consume the handshake; the client may
	// retry with a version we speak.
	if params.ProtocolVersion < protocol.ProtocolVersionMin {
		return nil, protocol.NewErrorWithData(protocol.CodeInvalidParams, "Unsupported protocol version", map[string]int{
			"minVersion": protocol.ProtocolVersionMin,
			"maxVersion": protocol.ProtocolVersion,
		})
	}
	negotiated := params.ProtocolVersion
	if negotiated > protocol.ProtocolVersion {
		negotiated = protocol.ProtocolVersion
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "Server already initialized")
	}
	s.initialized = true
	s.clientCaps = params.ClientCapabilities
	s.clientInfo = params.ClientInfo
	s.mu.Unlock()

	if params.ClientInfo != nil {
		s.trace(fmt.Sprintf("handleInitialize: client %s %s", params.ClientInfo.Name, params.ClientInfo.Version))
	}

	authMethods := make([]protocol.AuthMethod, 0, len(s.cfg.ACP.AuthMethods))
	for _, m := range s.cfg.ACP.AuthMethods {
		authMethods = append(authMethods, protocol.AuthMethod{ID: m.ID, Name: m.Name, Description: m.Description})
	}

	return protocol.InitializeResult{
		ProtocolVersion: negotiated,
		AgentCapabilities: protocol.AgentCapabilities{
			LoadSession:        s.cfg.LoadSessionEnabled(),
			PromptCapabilities: protocol.PromptCapabilities{},
		},
		AgentInfo:   protocol.Implementation{Name: agentName, Title: agentTitle, Version: agentVersion},
		AuthMethods: authMethods,
	}, nil
}

func (s *Server) handleAuthenticate(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
	s.trace("handleAuthenticate: starting")
	if perr := s.ensureInitialized(); perr != nil {
		return nil, perr
	}
	var params protocol.AuthenticateParams
	if perr := parseParams(req, &params); perr != nil {
		return nil, perr
	}

	var known bool
	for _, m := range s.cfg.ACP.AuthMethods {
		if m.ID == params.Method {
			known = true
			break
		}
	}
	if !known {
		return nil, protocol.NewErrorWithData(protocol.CodeInvalidParams, "Unknown auth method", params.Method)
	}

	// Only api_key carries server-side validation; other configured methods
	// are accepted as declared.
	success := true
	if params.Method == "api_key" {
		want := os.Getenv(s.cfg.ACP.APIKeyEnv)
		success = want != "" && params.Credentials["key"] == want
	}

	if success {
		s.mu.Lock()
		s.authed = true
		s.mu.Unlock()
	}

	s.trace(fmt.Sprintf("handleAuthenticate: method=%s success=%v", params.Method, success))
	return protocol.AuthenticateResult{Success: success}, nil
}

func (s *Server) handleSessionNew(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
	s.trace("handleSessionNew: starting")
	if perr := s.ensureInitialized(); perr != nil {
		return nil, perr
	}
	if perr := s.requireAuth(); perr != nil {
		return nil, perr
	}
	var params protocol.NewSessionParams
	if perr := parseParams(req, &params); perr != nil {
		return nil, perr
	}
	if params.Cwd == "" || !filepath.IsAbs(params.Cwd) {
		return nil, protocol.NewErrorWithData(protocol.CodeInvalidParams, "cwd must be an absolute path", params.Cwd)
	}

	sess, err := s.registry.Create(params.Cwd)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: create failed: %v", err))
		return nil, protocol.NewError(protocol.CodeInternalError, "Internal error")
	}
	s.trace(fmt.Sprintf("handleSessionNew: created session %s", sess.ID))
	return protocol.NewSessionResult{SessionID: sess.ID}, nil
}

func (s *Server) handleSessionLoad(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
	s.trace("handleSessionLoad: starting")
	if perr := s.ensureInitialized(); perr != nil {
		return nil, perr
	}
	if perr := s.requireAuth(); perr != nil {
		return nil, perr
	}
	var params protocol.LoadSessionParams
	if perr := parseParams(req, &params); perr != nil {
		return nil, perr
	}
	if params.SessionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "sessionId is required")
	}

	sess, err := s.registry.Load(params.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, protocol.NewErrorWithData(protocol.CodeSessionNotFound, "Session not found", params.SessionID)
		}
		s.trace(fmt.Sprintf("handleSessionLoad: load failed: %v", err))
		return nil, protocol.NewError(protocol.CodeInternalError, "Internal error")
	}

	s.replayHistory(sess)
	return protocol.LoadSessionResult{SessionID: sess.ID}, nil
}

// replayHistory streams a restored conversation to the client in order.
// Recorded tool calls replay as an announcement followed by their terminal
// status, result content riding in the tool_call_update.
func (s *Server) replayHistory(sess *session.Session) {
	msgs := sess.Snapshot()
	s.trace(fmt.Sprintf("replayHistory: replaying %d messages for %s", len(msgs), sess.ID))
	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleUser:
			if msg.Content != "" {
				_ = s.notifier.Send(sess.ID, protocol.UserMessageChunk(msg.Content))
			}
		case session.RoleAssistant:
			if msg.Thinking != "" {
				_ = s.notifier.Send(sess.ID, protocol.AgentThoughtChunk(msg.Thinking))
			}
			if msg.Content != "" {
				_ = s.notifier.Send(sess.ID, protocol.AgentMessageChunk(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				title := tc.Title
				if title == "" {
					title = tc.Name
				}
				kind := protocol.ToolKind(tc.Kind)
				if kind == "" {
					kind = protocol.ToolKindOther
				}
				_ = s.notifier.Send(sess.ID, protocol.ToolCallStart(tc.ToolCallID, title, kind, protocol.ToolCallPending))
				_ = s.notifier.Send(sess.ID, protocol.ToolCallProgress(tc.ToolCallID, replayStatus(tc.Status), tc.Result))
			}
		}
	}
}

// replayStatus maps a persisted call status to the terminal status the
// replay reports. Calls recorded before statuses were tracked count as
// completed.
func replayStatus(status string) protocol.ToolCallStatus {
	st := protocol.ToolCallStatus(status)
	if st.Terminal() {
		return st
	}
	return protocol.ToolCallCompleted
}

func (s *Server) handleSessionPrompt(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
	s.trace("handleSessionPrompt: starting")
	if perr := s.ensureInitialized(); perr != nil {
		return nil, perr
	}
	if perr := s.requireAuth(); perr != nil {
		return nil, perr
	}
	var params protocol.PromptParams
	if perr := parseParams(req, &params); perr != nil {
		return nil, perr
	}
	if params.SessionID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "sessionId is required")
	}

	sess, err := s.registry.Get(params.SessionID)
	if err != nil {
		return nil, protocol.NewErrorWithData(protocol.CodeSessionNotFound, "Session not found", params.SessionID)
	}

	turn, err := sess.BeginTurn()
	if err != nil {
		return nil, protocol.NewErrorWithData(protocol.CodeSessionBusy, "Session busy", sess.ID)
	}

	userText := extractUserText(params.Content, s.cfg.FilesystemAccess.Hidden)
	emitter := s.notifier.Emitter(sess.ID)

	// The emitter retires and the turn ends on every path out of this
	// handler, a panicking tool included. Deferred work finishes before the
	// dispatcher writes the response frame.
	defer func() {
		emitter.Close()
		if err := sess.EndTurn(turn); err != nil {
			s.trace(fmt.Sprintf("handleSessionPrompt: end turn: %v", err))
		}
	}()

	stopReason, err := s.agent.ProcessTurn(ctx, turn, userText, s.turnCallbacks(sess.ID, emitter))
	if err != nil {
		// Engine failures end the turn with a stop reason, not a JSON-RPC
		// error: the request itself was well-formed.
		s.trace(fmt.Sprintf("handleSessionPrompt: turn failed: %v", err))
	}

	s.trace(fmt.Sprintf("handleSessionPrompt: session %s stopped: %s", sess.ID, stopReason))
	return protocol.PromptResult{StopReason: stopReason}, nil
}

// turnCallbacks wires a turn to the wire: chunks and tool lifecycle go out
// as session/update notifications, permission and filesystem requests come
// back in through the client connection.
func (s *Server) turnCallbacks(sessionID string, emitter *TurnEmitter) agent.TurnCallbacks {
	cb := agent.TurnCallbacks{
		OnMessageChunk: func(text string) error {
			return emitter.Send(protocol.AgentMessageChunk(text))
		},
		OnThoughtChunk: func(text string) error {
			return emitter.Send(protocol.AgentThoughtChunk(text))
		},
		OnToolCall: func(call session.ToolCall) error {
			return emitter.Send(protocol.ToolCallStart(
				call.ToolCallID, call.Title, protocol.ToolKind(call.Kind), protocol.ToolCallStatus(call.Status)))
		},
		OnToolCallUpdate: func(id string, status protocol.ToolCallStatus, output string) error {
			return emitter.Send(protocol.ToolCallProgress(id, status, output))
		},
		OnPlan: func(entries []protocol.PlanEntry) error {
			return emitter.Send(protocol.PlanUpdate(entries))
		},
		RequestPermission: func(ctx context.Context, call session.ToolCall) (bool, error) {
			return s.client.RequestPermission(ctx, sessionID, call)
		},
	}

	s.mu.Lock()
	caps := s.clientCaps.FS
	s.mu.Unlock()
	if caps.ReadTextFile || caps.WriteTextFile {
		cb.FS = &clientFS{calls: s.client, sessionID: sessionID, caps: caps}
	}
	return cb
}

func (s *Server) handleSessionCancel(ctx context.Context, req *protocol.Request) {
	var params protocol.CancelParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.SessionID == "" {
		s.trace("handleSessionCancel: malformed cancel, ignoring")
		return
	}
	sess, err := s.registry.Get(params.SessionID)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionCancel: %v", err))
		return
	}
	if err := sess.RequestCancel(); err != nil {
		s.trace(fmt.Sprintf("handleSessionCancel: %s: %v", sess.ID, err))
		return
	}
	s.trace(fmt.Sprintf("handleSessionCancel: cancel requested for %s", sess.ID))
}

func (s *Server) handleSessionsList(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
	if perr := s.ensureInitialized(); perr != nil {
		return nil, perr
	}
	sessions := s.registry.List()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, protocol.SessionInfo{
			SessionID: sess.ID,
			Status:    string(sess.Status()),
			Messages:  sess.MessageCount(),
		})
	}
	return protocol.SessionsListResult{Sessions: infos}, nil
}

// maxInlineResourceSize caps how much of a linked file is inlined into the
// prompt.
const maxInlineResourceSize = 50000

// extractUserText flattens prompt content blocks into the text the model
// sees. Text blocks pass through; resource links render as a metadata
// header plus the file contents when the link is a readable file:// URI not
// covered by the hidden globs.
func extractUserText(blocks []protocol.ContentBlock, hidden []string) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			resourceInfo := fmt.Sprintf("=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				resourceInfo += fmt.Sprintf("Title: %s\n", b.Title)
			}
			if b.Description != "" {
				resourceInfo += fmt.Sprintf("Description: %s\n", b.Description)
			}
			resourceInfo += fmt.Sprintf("URI: %s\n", b.URI)
			if b.MimeType != "" {
				resourceInfo += fmt.Sprintf("Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				resourceInfo += fmt.Sprintf("Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI, hidden)
				if err != nil {
					resourceInfo += fmt.Sprintf("\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxInlineResourceSize {
						content = content[:maxInlineResourceSize] + "\n\n[... truncated to 50KB ...]"
					}
					resourceInfo += fmt.Sprintf("\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				resourceInfo += "\n[External resource - content not available]\n"
			}

			resourceInfo += "=== End Resource ===\n"
			parts = append(parts, resourceInfo)
		}
	}
	return strings.Join(parts, "\n")
}

// readFileFromURI reads file contents from a file:// URI. Linked files obey
// the same hidden-path restriction as the filesystem tools.
func readFileFromURI(uri string, hidden []string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsedURL.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsedURL.Scheme)
	}
	restricted, err := tools.IsPathRestricted(parsedURL.Path, hidden)
	if err != nil {
		return "", err
	}
	if restricted {
		return "", fmt.Errorf("access denied: path '%s' is hidden", parsedURL.Path)
	}
	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return string(content), nil
}
