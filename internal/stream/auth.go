package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenClaims is the payload segment of a client token.
type tokenClaims struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp,omitempty"`
}

// VerifyToken checks a compact HS256 token (header.payload.signature, each
// segment base64url) against the shared secret and returns the subject.
// Expiry is honored when present.
func VerifyToken(token, secret string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed token")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := mac.Sum(nil)

	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if !hmac.Equal(got, want) {
		return "", fmt.Errorf("signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parse claims: %w", err)
	}
	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return "", fmt.Errorf("token expired")
	}
	if claims.Sub == "" {
		return "", fmt.Errorf("missing subject")
	}
	return claims.Sub, nil
}

// SignToken mints a token for the given subject. Used by tests and the
// local dev tooling; production tokens come from the auth service with the
// same shared secret.
func SignToken(sub, secret string, ttl time.Duration) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	claims := tokenClaims{Sub: sub}
	if ttl > 0 {
		claims.Exp = time.Now().Add(ttl).Unix()
	}
	body, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(body)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return header + "." + payload + "." + sig
}
