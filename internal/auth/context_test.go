package auth

import (
	"context"
	"testing"
)

func TestWithAuthAndFromContext(t *testing.T) {
	ac := AuthContext{
		AccountID:  1,
		FamilyID:   2,
		Role:       "admin",
		SessionKey: "tab-3",
	}

	ctx := WithAuth(context.Background(), ac)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected AuthContext in context")
	}
	if got.AccountID != 1 {
		t.Errorf("AccountID = %d, want 1", got.AccountID)
	}
	if got.FamilyID != 2 {
		t.Errorf("FamilyID = %d, want 2", got.FamilyID)
	}
	if got.Role != "admin" {
		t.Errorf("Role = %q, want %q", got.Role, "admin")
	}
	if got.SessionKey != "tab-3" {
		t.Errorf("SessionKey = %q, want %q", got.SessionKey, "tab-3")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing AuthContext")
	}
}

func TestHelpersWithoutAuth(t *testing.T) {
	ctx := context.Background()
	if FamilyID(ctx) != 0 {
		t.Error("FamilyID should be 0")
	}
	if AccountID(ctx) != 0 {
		t.Error("AccountID should be 0")
	}
	if IsAdmin(ctx) {
		t.Error("IsAdmin should be false")
	}
}

func TestIsAdmin(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Role: "member"})
	if IsAdmin(ctx) {
		t.Error("member should not be admin")
	}
	ctx = WithAuth(context.Background(), AuthContext{Role: RoleAdmin})
	if !IsAdmin(ctx) {
		t.Error("admin should be admin")
	}
}
