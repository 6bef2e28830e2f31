// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

var sigEndRead = Signature{Type: "asyncio.Stream", Method: "EndRead"}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in      string
		want    Signature
		wantErr bool
	}{
		{"asyncio.Stream::EndRead", sigEndRead, false},
		{"  a::b ", Signature{Type: "a", Method: "b"}, false},
		{"asyncio.Stream", Signature{}, true},
		{"::EndRead", Signature{}, true},
		{"asyncio.Stream::", Signature{}, true},
	}

	for _, tt := range tests {
		got, err := ParseSignature(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSignature(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSignature(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if s := sigEndRead.String(); s != "asyncio.Stream::EndRead" {
		t.Errorf("String() = %q", s)
	}
}

func TestDispatchNoHandlerRunsOriginal(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	calls := 0
	res, err := r.Dispatch(context.Background(), &Call{Type: "x", Method: "y"}, func(context.Context) (any, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res != 42 {
		t.Errorf("result = %v, want 42", res)
	}
	if calls != 1 {
		t.Errorf("original called %d times, want 1", calls)
	}
}

func TestDispatchFirstHandledWins(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var order []string
	r.Register("skip", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		order = append(order, "skip")
		return nil, false, nil
	})
	r.Register("take", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		order = append(order, "take")
		return "taken", true, nil
	})
	r.Register("never", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		order = append(order, "never")
		return nil, true, nil
	})

	res, err := r.Dispatch(context.Background(), &Call{Type: sigEndRead.Type, Method: sigEndRead.Method}, func(context.Context) (any, error) {
		t.Fatal("original should not run when a handler takes the call")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res != "taken" {
		t.Errorf("result = %v, want taken", res)
	}
	if len(order) != 2 || order[0] != "skip" || order[1] != "take" {
		t.Errorf("order = %v, want [skip take]", order)
	}
}

func TestDispatchUnmatchedSignature(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("h", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		t.Error("handler called for unmatched signature")
		return nil, true, nil
	})

	res, _ := r.Dispatch(context.Background(), &Call{Type: "asyncio.Stream", Method: "EndWrite"}, func(context.Context) (any, error) {
		return "real", nil
	})
	if res != "real" {
		t.Errorf("result = %v, want real", res)
	}
}

func TestDispatchDisabledIsPassThrough(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("h", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		t.Error("handler called while tracing disabled")
		return nil, true, nil
	})
	r.DisableTracing()
	if r.IsTracingEnabled() {
		t.Fatal("IsTracingEnabled() = true after DisableTracing")
	}

	wantErr := errors.New("boom")
	_, err := r.Dispatch(context.Background(), &Call{Type: sigEndRead.Type, Method: sigEndRead.Method}, func(context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}

	r.EnableTracing()
	if !r.IsTracingEnabled() {
		t.Error("IsTracingEnabled() = false after EnableTracing")
	}
}

func TestDispatchProxyReentersWithSameID(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var ids []string
	r.Register("h", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		ids = append(ids, c.ID)
		if CallID(ctx) != c.ID {
			t.Errorf("CallID(ctx) = %q, want %q", CallID(ctx), c.ID)
		}
		if len(ids) > 1 {
			// Nested dispatch from Proxy: decline so the original runs.
			return nil, false, nil
		}
		res, err := c.Proxy(ctx)
		return res, true, err
	})

	originals := 0
	res, err := r.Dispatch(context.Background(), &Call{Type: sigEndRead.Type, Method: sigEndRead.Method}, func(context.Context) (any, error) {
		originals++
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res != 7 {
		t.Errorf("result = %v, want 7", res)
	}
	if originals != 1 {
		t.Errorf("original ran %d times, want 1", originals)
	}
	if len(ids) != 2 {
		t.Fatalf("handler saw %d calls, want 2", len(ids))
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("call ids = %v, want two equal non-empty ids", ids)
	}
}

func TestDispatchDistinctCallsGetDistinctIDs(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var ids []string
	r.Register("h", []Signature{sigEndRead}, func(ctx context.Context, c *Call) (any, bool, error) {
		ids = append(ids, c.ID)
		return nil, false, nil
	})

	for i := 0; i < 3; i++ {
		r.Dispatch(context.Background(), &Call{Type: sigEndRead.Type, Method: sigEndRead.Method}, func(context.Context) (any, error) {
			return nil, nil
		})
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] || ids[0] == ids[2] {
		t.Errorf("expected distinct ids, got %v", ids)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	h := func(ctx context.Context, c *Call) (any, bool, error) { return nil, false, nil }

	if err := r.Register("a", nil, h); err == nil {
		t.Error("expected error for empty signatures")
	}
	if err := r.Register("a", []Signature{sigEndRead}, nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := r.Register("a", []Signature{sigEndRead}, h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", []Signature{sigEndRead}, h); err == nil {
		t.Error("expected error for duplicate name")
	}

	got := r.ExpectedMethods()
	if len(got) != 1 || got[0] != "asyncio.Stream::EndRead" {
		t.Errorf("ExpectedMethods() = %v", got)
	}

	if !r.Unregister("a") {
		t.Error("Unregister(a) = false, want true")
	}
	if r.Unregister("a") {
		t.Error("second Unregister(a) = true, want false")
	}
	if n := len(r.ExpectedMethods()); n != 0 {
		t.Errorf("ExpectedMethods() has %d entries after Unregister", n)
	}
}
