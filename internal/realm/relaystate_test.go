package realm

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestRelayStateRoundTrip(t *testing.T) {
	key := []byte(testSigningKey)

	for _, returnTo := range []string{"/", "/dashboard", "/a/b?c=d&e=f", "/path#frag"} {
		state := signRelayState(key, returnTo)
		got, ok := verifyRelayState(key, state)
		if !ok {
			t.Fatalf("relay state for %q did not verify", returnTo)
		}
		if got != returnTo {
			t.Fatalf("expected %q, got %q", returnTo, got)
		}
	}
}

func TestRelayStateTamperRejected(t *testing.T) {
	key := []byte(testSigningKey)

	state := signRelayState(key, "/dashboard")
	data, err := base64.URLEncoding.DecodeString(state)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	// Repoint the embedded path without re-signing.
	tampered := strings.Replace(string(data), "/dashboard", "/evil-page", 1)
	reencoded := base64.URLEncoding.EncodeToString([]byte(tampered))

	if _, ok := verifyRelayState(key, reencoded); ok {
		t.Fatal("expected a tampered relay state to be rejected")
	}
}

func TestRelayStateWrongKey(t *testing.T) {
	state := signRelayState([]byte("key-one"), "/dashboard")
	if _, ok := verifyRelayState([]byte("key-two"), state); ok {
		t.Fatal("expected a relay state under another key to be rejected")
	}
}

func TestRelayStateGarbage(t *testing.T) {
	key := []byte(testSigningKey)

	for _, state := range []string{
		"",
		"not-base64!!!",
		base64.URLEncoding.EncodeToString([]byte("no-separator")),
	} {
		if _, ok := verifyRelayState(key, state); ok {
			t.Fatalf("expected %q to be rejected", state)
		}
	}
}

func TestRelayStateAbsoluteTargetRejected(t *testing.T) {
	key := []byte(testSigningKey)

	// Even a correctly signed state must not point off-origin.
	state := signRelayState(key, "https://evil.example.net/")
	if _, ok := verifyRelayState(key, state); ok {
		t.Fatal("expected an absolute target to be rejected")
	}
}

func TestIsRelativePath(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/", true},
		{"/dashboard", true},
		{"/a/b?c=d", true},
		{"", false},
		{"dashboard", false},
		{"//evil.example.net", false},
		{"https://evil.example.net/", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		if got := isRelativePath(tt.in); got != tt.want {
			t.Errorf("isRelativePath(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
