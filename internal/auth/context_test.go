// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_FromContext(t *testing.T) {
	authCtx := &AuthContext{UserID: 42, Username: "alice"}

	ctx := WithAuth(context.Background(), authCtx)
	got := FromContext(ctx)

	if got == nil {
		t.Fatal("FromContext() returned nil")
	}
	if got.UserID != 42 {
		t.Errorf("UserID = %d, want 42", got.UserID)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want %q", got.Username, "alice")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not-an-auth-context")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() should panic without AuthContext")
		}
	}()
	MustFromContext(context.Background())
}

func TestMustFromContext_Present(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{UserID: 7})
	if got := MustFromContext(ctx); got.UserID != 7 {
		t.Errorf("UserID = %d, want 7", got.UserID)
	}
}
