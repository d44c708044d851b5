package acp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/m4xw311/parley/protocol"
)

// ErrHandlerConflict reports a method registered twice on one router.
var ErrHandlerConflict = errors.New("handler already registered")

// HandlerFunc serves one request method. It returns the result value to
// marshal into the response, or a protocol error to send instead.
type HandlerFunc func(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error)

// NotifyFunc serves one notification method. Notifications never produce a
// response frame, so failures surface only through the trace log.
type NotifyFunc func(ctx context.Context, req *protocol.Request)

// Router maps method names to handlers. Methods are registered once at
// server construction; registering a method twice fails with
// ErrHandlerConflict.
type Router struct {
	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]NotifyFunc
}

func NewRouter() *Router {
	return &Router{
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotifyFunc),
	}
}

// Handle registers a request handler for method.
func (r *Router) Handle(method string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[method]; dup {
		return fmt.Errorf("%w: %s", ErrHandlerConflict, method)
	}
	r.handlers[method] = fn
	return nil
}

// HandleNotify registers a notification handler for method.
func (r *Router) HandleNotify(method string, fn NotifyFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.notifications[method]; dup {
		return fmt.Errorf("%w: %s", ErrHandlerConflict, method)
	}
	r.notifications[method] = fn
	return nil
}

// Dispatch runs the handler for req and builds its response. An id-bearing
// request naming a notification-only method is an invalid request; an
// unregistered method yields a method-not-found error. Neither invokes
// anything.
func (r *Router) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	r.mu.RLock()
	fn, ok := r.handlers[req.Method]
	_, notifyOnly := r.notifications[req.Method]
	r.mu.RUnlock()
	if !ok {
		if notifyOnly {
			return protocol.NewErrorResponse(req.ID,
				protocol.NewErrorWithData(protocol.CodeInvalidRequest, "Invalid Request",
					fmt.Sprintf("method %s is notification-only", req.Method)))
		}
		return protocol.NewErrorResponse(req.ID,
			protocol.NewErrorWithData(protocol.CodeMethodNotFound, "Method not found", req.Method))
	}

	result, rpcErr := fn(ctx, req)
	if rpcErr != nil {
		return protocol.NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeInternalError, "Internal error"))
	}
	return resp
}

// DispatchNotification runs the notification handler for req, if one is
// registered. Unknown notifications are dropped without a response frame.
func (r *Router) DispatchNotification(ctx context.Context, req *protocol.Request) bool {
	r.mu.RLock()
	fn, ok := r.notifications[req.Method]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	fn(ctx, req)
	return true
}
