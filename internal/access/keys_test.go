package access

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

func TestKeyIssueAndValidate(t *testing.T) {
	ks := NewKeyStore(0)

	cred, err := ks.Issue(context.Background(), "scanner", domain.RoleService)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.Contains(cred.Token, ".") {
		t.Fatalf("token %q must be keyID.secret", cred.Token)
	}

	ident, err := ks.Validate(cred.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ident.KeyID != cred.KeyID || ident.Agent != "scanner" || ident.Role != domain.RoleService {
		t.Errorf("identity = %+v, want key %s agent scanner role service", ident, cred.KeyID)
	}
}

func TestKeyValidateRejectsGarbage(t *testing.T) {
	ks := NewKeyStore(0)
	cred, _ := ks.Issue(context.Background(), "", domain.RoleGuest)

	cases := []string{
		"",
		"no-separator",
		cred.KeyID + ".wrong-secret",
		"unknown." + strings.SplitN(cred.Token, ".", 2)[1],
	}
	for _, token := range cases {
		if _, err := ks.Validate(token); err == nil {
			t.Errorf("Validate(%q) must fail", token)
		}
	}
}

func TestKeyIssueRejectsUnknownRole(t *testing.T) {
	ks := NewKeyStore(0)
	if _, err := ks.Issue(context.Background(), "", domain.Role("superuser")); err == nil {
		t.Fatal("issuing a key with an unknown role must fail")
	}
}

func TestKeyRevokeImmediate(t *testing.T) {
	ks := NewKeyStore(0)
	cred, _ := ks.Issue(context.Background(), "", domain.RoleOperator)

	if err := ks.Revoke(context.Background(), cred.KeyID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := ks.Validate(cred.Token); err == nil {
		t.Fatal("revoked key must not validate")
	}
	// Повторный revoke — ошибка, ключ уже не активен
	if err := ks.Revoke(context.Background(), cred.KeyID); err == nil {
		t.Fatal("double revoke must fail")
	}
}

func TestKeyRotateAtomic(t *testing.T) {
	ks := NewKeyStore(0)
	old, _ := ks.Issue(context.Background(), "scanner", domain.RoleOperator)

	fresh, err := ks.Rotate(context.Background(), old.KeyID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := ks.Validate(old.Token); err == nil {
		t.Fatal("old key must be invalid after rotation")
	}
	ident, err := ks.Validate(fresh.Token)
	if err != nil {
		t.Fatalf("new key must validate: %v", err)
	}
	// Роль и binding переезжают без изменений
	if ident.Role != domain.RoleOperator || ident.Agent != "scanner" {
		t.Errorf("rotated identity = %+v, want operator/scanner", ident)
	}
}

func TestKeyExpiry(t *testing.T) {
	ks := NewKeyStore(time.Nanosecond)
	cred, _ := ks.Issue(context.Background(), "", domain.RoleAdmin)

	time.Sleep(5 * time.Millisecond)
	if _, err := ks.Validate(cred.Token); err == nil {
		t.Fatal("expired key must not validate")
	}
}
