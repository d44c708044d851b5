package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/transport"
)

// clientCallTimeout bounds how long the agent waits on a client-served
// request such as fs/read_text_file.
const clientCallTimeout = 60 * time.Second

// clientConn issues agent-to-client requests and matches inbound response
// frames back to their waiting calls by id.
type clientConn struct {
	conn  *transport.Conn
	trace func(string)

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
}

func newClientConn(conn *transport.Conn, trace func(string)) *clientConn {
	return &clientConn{
		conn:    conn,
		trace:   trace,
		pending: make(map[string]chan *protocol.Response),
	}
}

// Call sends one request to the client and decodes its result. It fails
// when ctx ends, the client answers with an error, or no response arrives
// within clientCallTimeout.
func (c *clientConn) Call(ctx context.Context, method string, params, result interface{}) error {
	id := uuid.NewString()
	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.trace(fmt.Sprintf("clientConn: calling %s id=%s", method, id))
	if err := c.conn.Send(protocol.NewOutboundRequest(id, method, params)); err != nil {
		return err
	}

	timer := time.NewTimer(clientCallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return errors.Wrapf(resp.Error, "client call %s failed", method)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Wrapf(err, "could not parse %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("client call %s timed out", method)
	}
}

// Dispatch routes one inbound response frame to its waiting call. Frames
// that match nothing are traced and dropped.
func (c *clientConn) Dispatch(resp *protocol.Response) {
	id, ok := resp.ID.(string)
	if !ok {
		c.trace(fmt.Sprintf("clientConn: response with unexpected id type %T", resp.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.trace(fmt.Sprintf("clientConn: response for unknown id %s", id))
		return
	}
	ch <- resp
}

// RequestPermission asks the client's user to approve one tool call. Only
// a "selected" outcome choosing the allow option grants it; rejection and
// cancelled pickers deny.
func (c *clientConn) RequestPermission(ctx context.Context, sessionID string, call session.ToolCall) (bool, error) {
	params := protocol.RequestPermissionParams{
		SessionID:   sessionID,
		ToolCallID:  call.ToolCallID,
		Tool:        call.Name,
		Description: call.Title,
		Options: []protocol.PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: protocol.PermissionAllowOnce},
			{OptionID: "reject", Name: "Reject", Kind: protocol.PermissionRejectOnce},
		},
	}
	var result protocol.RequestPermissionResult
	if err := c.Call(ctx, protocol.MethodRequestPermission, params, &result); err != nil {
		return false, err
	}
	granted := result.Outcome.Outcome == "selected" && result.Outcome.OptionID == "allow"
	return granted, nil
}

// clientFS serves the filesystem tools from the connected client. Each
// method checks the capability the client declared at initialize.
type clientFS struct {
	calls     *clientConn
	sessionID string
	caps      protocol.FileSystemCapability
}

func (f *clientFS) ReadTextFile(ctx context.Context, path string, startLine, endLine *int) (string, error) {
	if !f.caps.ReadTextFile {
		return "", errors.New("client does not support fs/read_text_file")
	}
	var result protocol.ReadTextFileResult
	err := f.calls.Call(ctx, protocol.MethodReadTextFile, protocol.ReadTextFileParams{
		SessionID: f.sessionID,
		Path:      path,
		StartLine: startLine,
		EndLine:   endLine,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (f *clientFS) WriteTextFile(ctx context.Context, path, content string) error {
	if !f.caps.WriteTextFile {
		return errors.New("client does not support fs/write_text_file")
	}
	var result protocol.WriteTextFileResult
	return f.calls.Call(ctx, protocol.MethodWriteTextFile, protocol.WriteTextFileParams{
		SessionID: f.sessionID,
		Path:      path,
		Content:   content,
	}, &result)
}
