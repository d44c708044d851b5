package acp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/transport"
)

// Server is one ACP connection: the JSON-RPC endpoint, its session
// registry, and the per-connection handshake state.
type Server struct {
	agent    *agent.Agent
	cfg      *config.Config
	registry *session.Registry
	conn     *transport.Conn
	router   *Router
	notifier *Notifier
	client   *clientConn
	trace    func(string)

	mu          sync.Mutex
	initialized bool
	authed      bool
	clientCaps  protocol.ClientCapabilities
	clientInfo  *protocol.Implementation
}

// Run serves the Agent Client Protocol over in and out until the peer
// closes the stream. Nothing but JSON-RPC frames is ever written to out;
// diagnostics go through trace, which may be nil.
//
// Requests run concurrently so a long prompt turn cannot starve
// session/cancel; notifications are handled inline on the read loop.
func Run(ctx context.Context, parleyAgent *agent.Agent, cfg *config.Config, in io.Reader, out io.Writer, trace func(string)) error {
	if trace == nil {
		trace = func(string) {}
	}
	trace("Run: starting ACP server")

	conn := transport.NewConn(in, out, trace)
	s := &Server{
		agent:    parleyAgent,
		cfg:      cfg,
		registry: session.NewRegistry(cfg.SessionsDir),
		conn:     conn,
		router:   NewRouter(),
		notifier: NewNotifier(conn),
		client:   newClientConn(conn, trace),
		trace:    trace,
	}
	if err := s.registerHandlers(); err != nil {
		return err
	}

	// When the stream closes, cancel in-flight handlers so turns waiting on
	// client calls unwind instead of running out their timeouts.
	srvCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				trace(fmt.Sprintf("Run: parse error: %v", err))
				_ = conn.Send(protocol.NewErrorResponse(nil, protocol.NewError(protocol.CodeParseError, "Parse error")))
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				trace("Run: connection closed, exiting")
				return nil
			}
			trace(fmt.Sprintf("Run: read error: %v", err))
			return err
		}

		switch {
		case msg.Invalid:
			trace("Run: frame is neither request nor response")
			_ = conn.Send(protocol.NewErrorResponse(nil, protocol.NewError(protocol.CodeInvalidRequest, "Invalid Request")))
		case msg.Response != nil:
			s.client.Dispatch(msg.Response)
		case msg.Request != nil:
			s.serveRequest(srvCtx, &wg, msg.Request)
		}
	}
}

// serveRequest validates one inbound request frame and routes it. Requests
// get a goroutine each; notifications run inline and never produce a
// response frame.
func (s *Server) serveRequest(ctx context.Context, wg *sync.WaitGroup, req *protocol.Request) {
	if req.HasInvalidID() {
		s.trace(fmt.Sprintf("serveRequest: unusable id on method %s", req.Method))
		_ = s.conn.Send(protocol.NewErrorResponse(nil,
			protocol.NewErrorWithData(protocol.CodeInvalidRequest, "Invalid Request", "id must be a string or number")))
		return
	}
	if req.JSONRPC != protocol.Version {
		s.trace(fmt.Sprintf("serveRequest: bad jsonrpc version %q", req.JSONRPC))
		_ = s.conn.Send(protocol.NewErrorResponse(req.ID,
			protocol.NewErrorWithData(protocol.CodeInvalidRequest, "Invalid Request", "jsonrpc must be \"2.0\"")))
		return
	}

	if req.IsNotification() {
		s.trace(fmt.Sprintf("serveRequest: notification %s", req.Method))
		if !s.router.DispatchNotification(ctx, req) {
			s.trace(fmt.Sprintf("serveRequest: unhandled notification %s", req.Method))
		}
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		// A panic in a handler, a tool or an SDK must not take down the
		// connection or strand the request without a response.
		defer func() {
			if r := recover(); r != nil {
				s.trace(fmt.Sprintf("serveRequest: panic in %s: %v", req.Method, r))
				_ = s.conn.Send(protocol.NewErrorResponse(req.ID,
					protocol.NewError(protocol.CodeInternalError, "Internal error")))
			}
		}()
		s.trace(fmt.Sprintf("serveRequest: dispatching method %s id %v", req.Method, req.ID))
		if resp := s.router.Dispatch(ctx, req); resp != nil {
			_ = s.conn.Send(resp)
		}
	}()
}
