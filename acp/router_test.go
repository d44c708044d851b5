package acp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m4xw311/parley/protocol"
)

func TestRouterDuplicateRegistration(t *testing.T) {
	r := NewRouter()
	ok := func(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
		return "ok", nil
	}
	drop := func(ctx context.Context, req *protocol.Request) {}

	if err := r.Handle("session/new", ok); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if err := r.Handle("session/new", ok); !errors.Is(err, ErrHandlerConflict) {
		t.Errorf("second Handle: err = %v, want ErrHandlerConflict", err)
	}

	if err := r.HandleNotify("session/cancel", drop); err != nil {
		t.Fatalf("first HandleNotify: %v", err)
	}
	if err := r.HandleNotify("session/cancel", drop); !errors.Is(err, ErrHandlerConflict) {
		t.Errorf("second HandleNotify: err = %v, want ErrHandlerConflict", err)
	}
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()
	var cancelled bool
	if err := r.Handle("ping", func(ctx context.Context, req *protocol.Request) (interface{}, *protocol.Error) {
		return map[string]string{"pong": "yes"}, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.HandleNotify("session/cancel", func(ctx context.Context, req *protocol.Request) {
		cancelled = true
	}); err != nil {
		t.Fatalf("HandleNotify: %v", err)
	}

	t.Run("known method", func(t *testing.T) {
		resp := r.Dispatch(context.Background(), &protocol.Request{ID: float64(1), Method: "ping"})
		if resp.Error != nil {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
		if resp.ID != float64(1) {
			t.Errorf("ID = %v, want 1", resp.ID)
		}
		if !strings.Contains(string(resp.Result), "pong") {
			t.Errorf("Result = %s, want pong payload", resp.Result)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := r.Dispatch(context.Background(), &protocol.Request{ID: float64(2), Method: "no/such"})
		if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
			t.Fatalf("error = %+v, want code %d", resp.Error, protocol.CodeMethodNotFound)
		}
	})

	t.Run("id on a notification-only method", func(t *testing.T) {
		resp := r.Dispatch(context.Background(), &protocol.Request{ID: float64(3), Method: "session/cancel"})
		if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
			t.Fatalf("error = %+v, want code %d", resp.Error, protocol.CodeInvalidRequest)
		}
		if data, _ := resp.Error.Data.(string); !strings.Contains(data, "notification-only") {
			t.Errorf("error data = %v, want notification-only mention", resp.Error.Data)
		}
		if cancelled {
			t.Error("notification handler ran for an id-bearing request")
		}
	})

	t.Run("notification dispatch", func(t *testing.T) {
		if !r.DispatchNotification(context.Background(), &protocol.Request{Method: "session/cancel"}) {
			t.Fatal("DispatchNotification returned false for a registered method")
		}
		if !cancelled {
			t.Error("notification handler never ran")
		}
		if r.DispatchNotification(context.Background(), &protocol.Request{Method: "no/such"}) {
			t.Error("DispatchNotification returned true for an unregistered method")
		}
	})
}
