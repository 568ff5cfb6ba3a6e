package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calebmills/stdb-go/internal/connection"
	"github.com/calebmills/stdb-go/internal/protocol"
)

// issuingServer rejects unauthenticated upgrade attempts with issued
// credentials and accepts attempts bearing the issued token.
func issuingServer(t *testing.T, identity, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{protocol.SubprotocolJSON},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+token {
			w.Header().Set("Spacetime-Identity", identity)
			w.Header().Set("Spacetime-Identity-Token", token)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

// rejectingServer rejects every attempt. withGrant controls whether the
// rejection carries credential metadata.
func rejectingServer(t *testing.T, withGrant bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if withGrant {
			w.Header().Set("Spacetime-Identity", "id-reissued")
			w.Header().Set("Spacetime-Identity-Token", "tok-reissued")
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
}

func serverDialConfig(server *httptest.Server) connection.DialConfig {
	trimmed := strings.TrimPrefix(server.URL, "http://")
	i := strings.LastIndex(trimmed, ":")
	port, _ := strconv.Atoi(trimmed[i+1:])
	return connection.DialConfig{
		Host:             trimmed[:i],
		Port:             port,
		Database:         "game",
		Mode:             protocol.TextEncoded,
		Insecure:         true,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     time.Second,
		WriteTimeout:     time.Second,
		BufferSize:       16,
	}
}

func TestHandshakeIssuesAndPersists(t *testing.T) {
	server := issuingServer(t, "id-abc", "tok-xyz")
	defer server.Close()

	store := tempStore(t)
	h := NewHandshake(store, nil)
	cfg := serverDialConfig(server)

	conn, cred, err := h.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if cred.Identity != "id-abc" || cred.Token != "tok-xyz" {
		t.Errorf("credential = %+v, want issued pair", cred)
	}
	if cred.ExpiresAt.Before(time.Now().Add(23 * time.Hour)) {
		t.Errorf("expiry %v too soon, want ~24h", cred.ExpiresAt)
	}

	// Persisted for the next client.
	stored, ok, err := store.Get(cfg.Host, cfg.Database)
	if err != nil || !ok {
		t.Fatalf("stored credential missing: ok %v err %v", ok, err)
	}
	if stored.Token != "tok-xyz" {
		t.Errorf("stored token = %q, want tok-xyz", stored.Token)
	}
}

func TestHandshakeReusesCachedCredential(t *testing.T) {
	server := issuingServer(t, "id-abc", "tok-xyz")
	defer server.Close()

	store := tempStore(t)
	cfg := serverDialConfig(server)
	now := time.Now()
	store.Put(Credential{
		Identity:  "id-abc",
		Token:     "tok-xyz",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Host:      cfg.Host,
		Database:  cfg.Database,
	})

	h := NewHandshake(store, nil)
	conn, cred, err := h.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if cred.Token != "tok-xyz" {
		t.Errorf("credential token = %q, want cached tok-xyz", cred.Token)
	}
}

func TestHandshakeRejectionWithoutMetadataIsFatal(t *testing.T) {
	server := rejectingServer(t, false)
	defer server.Close()

	h := NewHandshake(tempStore(t), nil)
	_, _, err := h.Connect(context.Background(), serverDialConfig(server))

	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *auth.Error", err)
	}
	if authErr.Stale {
		t.Error("credential-less rejection must not classify as stale")
	}
}

func TestHandshakeStaleCredentialInvalidatesStore(t *testing.T) {
	server := rejectingServer(t, false)
	defer server.Close()

	store := tempStore(t)
	cfg := serverDialConfig(server)
	now := time.Now()
	store.Put(Credential{
		Identity:  "id-old",
		Token:     "tok-old",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Host:      cfg.Host,
		Database:  cfg.Database,
	})

	h := NewHandshake(store, nil)
	_, _, err := h.Connect(context.Background(), cfg)

	var authErr *Error
	if !errors.As(err, &authErr) || !authErr.Stale {
		t.Fatalf("error = %v, want stale *auth.Error", err)
	}

	if _, ok, _ := store.Get(cfg.Host, cfg.Database); ok {
		t.Error("stale credential still in store; next call would not re-issue")
	}
}

func TestHandshakeFreshTokenBouncingIsStale(t *testing.T) {
	// The server issues credentials but never accepts them.
	server := rejectingServer(t, true)
	defer server.Close()

	store, err := NewStore(filepath.Join(t.TempDir(), "creds.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandshake(store, nil)
	cfg := serverDialConfig(server)

	_, _, err = h.Connect(context.Background(), cfg)
	var authErr *Error
	if !errors.As(err, &authErr) || !authErr.Stale {
		t.Fatalf("error = %v, want stale *auth.Error", err)
	}
	if _, ok, _ := store.Get(cfg.Host, cfg.Database); ok {
		t.Error("bounced credential left in store")
	}
}
