package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/samlgate/internal/config"
)

func writeConfigFile(t *testing.T, path, certPath, metadataPath, usersYAML string) {
	t.Helper()
	content := `server:
  address: ":0"
admin:
  enabled: true
  address: ":0"
saml:
  cert_file: "` + certPath + `"
  default_idp_metadata: "` + metadataPath + `"
  base_url: "https://sp.example.com"
  session:
    signing_key: "reload-test-key"
` + usersYAML
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func newReloadableServer(t *testing.T) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	certPath, metadataPath := writeRealmFiles(t, dir)
	cfgPath := filepath.Join(dir, "samlgate.yaml")
	writeConfigFile(t, cfgPath, certPath, metadataPath, `users:
  - email: "alice@example.com"
    name: "Alice"
`)

	cfg, err := config.NewLoader().Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	s, err := New(cfg, cfgPath, nil)
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	t.Cleanup(func() {
		s.Shutdown(time.Second)
	})
	return s, cfgPath, metadataPath
}

func TestReloadRebuildsRealm(t *testing.T) {
	s, _, metadataPath := newReloadableServer(t)

	if s.Realm().IdP().EntityID != testIdPEntityID {
		t.Fatalf("unexpected initial entity ID %s", s.Realm().IdP().EntityID)
	}

	// Rotate the IdP metadata on disk, then drive the admin reload endpoint.
	_, idpCert := generateKeyAndCert(t, "idp-rotated.example.org")
	rotated := "https://idp-rotated.example.org/saml/metadata"
	if err := os.WriteFile(metadataPath, []byte(idpMetadataXML(idpCert, rotated, testIdPSSOURL)), 0o600); err != nil {
		t.Fatalf("failed to rotate metadata: %v", err)
	}

	w := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reload", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var result ReloadResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("reload response is not JSON: %v", err)
	}
	if !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if s.Realm().IdP().EntityID != rotated {
		t.Fatalf("expected the realm to rebind to %s, got %s", rotated, s.Realm().IdP().EntityID)
	}

	// The reload history records the result.
	w = httptest.NewRecorder()
	s.adminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reload/status", nil))
	var history []ReloadResult
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("status response is not JSON: %v", err)
	}
	if len(history) != 1 || !history[0].Success {
		t.Fatalf("expected one successful reload in history, got %+v", history)
	}
}

func TestReloadMethodGuard(t *testing.T) {
	s, _, _ := newReloadableServer(t)

	w := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reload", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /reload, got %d", w.Code)
	}
}

func TestReloadKeepsRealmOnBadConfig(t *testing.T) {
	s, cfgPath, _ := newReloadableServer(t)

	if err := os.WriteFile(cfgPath, []byte("not: [valid"), 0o600); err != nil {
		t.Fatalf("failed to corrupt config: %v", err)
	}

	result := s.Reload()
	if result.Success {
		t.Fatal("expected reload to fail on a broken config")
	}
	if s.Realm().IdP().EntityID != testIdPEntityID {
		t.Fatalf("a failed reload must keep the previous realm, got %s", s.Realm().IdP().EntityID)
	}

	// The realm still serves logins.
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/saml/login", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("expected the old realm to keep serving, got %d", w.Code)
	}
}

func TestReloadSwapsUserStore(t *testing.T) {
	s, cfgPath, metadataPath := newReloadableServer(t)

	certPath := s.config.SAML.CertFile
	writeConfigFile(t, cfgPath, certPath, metadataPath, `users:
  - email: "bob@example.com"
    name: "Bob"
`)

	result := s.Reload()
	if !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}

	user, err := s.finder.FindUser(context.Background(), "email", "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil || user["name"] != "Bob" {
		t.Fatalf("expected the reloaded store to know bob, got %v", user)
	}
	user, err = s.finder.FindUser(context.Background(), "email", "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Fatalf("expected alice to be gone after reload, got %v", user)
	}
}
