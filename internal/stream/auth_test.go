package stream

import (
	"strings"
	"testing"
	"time"
)

func TestSignAndVerifyToken(t *testing.T) {
	t.Parallel()
	token := SignToken("user-42", "secret", time.Hour)

	sub, err := VerifyToken(token, "secret")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if sub != "user-42" {
		t.Errorf("sub = %q, want user-42", sub)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	t.Parallel()
	token := SignToken("user-42", "secret", time.Hour)

	if _, err := VerifyToken(token, "other"); err == nil {
		t.Error("expected signature mismatch")
	}
}

func TestVerifyTokenTampered(t *testing.T) {
	t.Parallel()
	token := SignToken("user-42", "secret", time.Hour)
	parts := strings.Split(token, ".")
	tampered := parts[0] + ".eyJzdWIiOiJhZG1pbiJ9." + parts[2]

	if _, err := VerifyToken(tampered, "secret"); err == nil {
		t.Error("expected rejection of tampered payload")
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	t.Parallel()
	token := SignToken("user-42", "secret", -time.Minute)

	if _, err := VerifyToken(token, "secret"); err == nil {
		t.Error("expected expiry rejection")
	}
}

func TestVerifyTokenMalformed(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "a.b", "not-a-token", "a.b.c.d"} {
		if _, err := VerifyToken(bad, "secret"); err == nil {
			t.Errorf("VerifyToken(%q) accepted", bad)
		}
	}
}
