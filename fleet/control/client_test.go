package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newNodeServer(t *testing.T, secret []byte, info NodeInfo) (*httptest.Server, string) {
	t.Helper()
	var addr string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/node/info" {
			http.NotFound(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := VerifyToken(secret, addr, token); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(info)
	}))
	addr = server.Listener.Addr().String()
	t.Cleanup(server.Close)
	return server, addr
}

func TestHTTPClientNodeInfo(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	_, addr := newNodeServer(t, secret, NodeInfo{PeerID: "12D3KooWpeer", Version: "1.2.0"})

	client := NewHTTPDialer(HTTPConfig{Secret: secret})(addr)
	info, err := client.NodeInfo(context.Background())
	if err != nil {
		t.Fatalf("NodeInfo failed: %v", err)
	}
	if info.PeerID != "12D3KooWpeer" || info.Version != "1.2.0" {
		t.Errorf("unexpected node info: %+v", info)
	}
}

func TestHTTPClientWrongSecret(t *testing.T) {
	_, addr := newNodeServer(t, []byte("node-secret"), NodeInfo{PeerID: "peer"})

	client := NewHTTPClient(addr, HTTPConfig{Secret: []byte("other-secret")})
	if _, err := client.NodeInfo(context.Background()); err == nil {
		t.Fatal("expected an error for a token signed with the wrong secret")
	}
}

func TestHTTPClientNoPeerID(t *testing.T) {
	secret := []byte("secret")
	_, addr := newNodeServer(t, secret, NodeInfo{})

	client := NewHTTPClient(addr, HTTPConfig{Secret: secret})
	if _, err := client.NodeInfo(context.Background()); err == nil {
		t.Fatal("expected an error when the node reports no peer id")
	}
}

func TestHTTPClientConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.Listener.Addr().String()
	server.Close()

	client := NewHTTPClient(addr, HTTPConfig{RequestTimeout: time.Second})
	if _, err := client.NodeInfo(context.Background()); err == nil {
		t.Fatal("expected an error for a closed port")
	}
}

func TestVerifyTokenRejectsOtherAudience(t *testing.T) {
	secret := []byte("secret")
	token, err := SignToken(secret, "127.0.0.1:12001", time.Minute)
	if err != nil {
		t.Fatalf("SignToken failed: %v", err)
	}
	if err := VerifyToken(secret, "127.0.0.1:12001", token); err != nil {
		t.Errorf("expected token to verify: %v", err)
	}
	if err := VerifyToken(secret, "127.0.0.1:12002", token); err == nil {
		t.Error("expected token for another node to be rejected")
	}

	expired, err := SignToken(secret, "127.0.0.1:12001", -time.Minute)
	if err != nil {
		t.Fatalf("SignToken failed: %v", err)
	}
	if err := VerifyToken(secret, "127.0.0.1:12001", expired); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestLoadSecretGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "control.key")

	first, err := LoadSecret(path)
	if err != nil {
		t.Fatalf("LoadSecret failed: %v", err)
	}
	if len(first) != 32 {
		t.Errorf("expected 32-byte secret, got %d bytes", len(first))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("secret file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	second, err := LoadSecret(path)
	if err != nil {
		t.Fatalf("LoadSecret failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("expected the stored secret to be reused")
	}
}

func TestLoadSecretEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.key")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecret(path); err == nil {
		t.Fatal("expected an error for an empty secret file")
	}
}

func TestWaitForNodeInfoRetries(t *testing.T) {
	client := &MockClient{
		Info:   NodeInfo{PeerID: "peer-1"},
		Errors: []error{errors.New("refused"), errors.New("refused")},
	}
	info, err := WaitForNodeInfo(context.Background(), client, Backoff{Attempts: 5, Initial: time.Millisecond, Max: 4 * time.Millisecond})
	if err != nil {
		t.Fatalf("WaitForNodeInfo failed: %v", err)
	}
	if info.PeerID != "peer-1" {
		t.Errorf("unexpected peer id %q", info.PeerID)
	}
	if client.Calls() != 3 {
		t.Errorf("expected 3 queries, got %d", client.Calls())
	}
}

func TestWaitForNodeInfoExhausted(t *testing.T) {
	client := &MockClient{}
	_, err := WaitForNodeInfo(context.Background(), client, Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if client.Calls() != 3 {
		t.Errorf("expected 3 queries, got %d", client.Calls())
	}
}

func TestWaitForNodeInfoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &MockClient{}
	_, err := WaitForNodeInfo(ctx, client, Backoff{Attempts: 3, Initial: time.Hour, Max: time.Hour})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if client.Calls() != 1 {
		t.Errorf("expected only the immediate query, got %d", client.Calls())
	}
}

func TestCalculateBackoff(t *testing.T) {
	initial, max := 100*time.Millisecond, time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, initial, max); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMockDialerUnknownAddress(t *testing.T) {
	d := NewMockDialer()
	d.Set("127.0.0.1:12001", &MockClient{Info: NodeInfo{PeerID: "p1"}})

	var dial Dialer = d.Dial
	if _, err := dial("127.0.0.1:12001").NodeInfo(context.Background()); err != nil {
		t.Errorf("expected configured client to answer: %v", err)
	}
	if _, err := dial("127.0.0.1:9999").NodeInfo(context.Background()); err == nil {
		t.Error("expected unknown address to fail")
	}
	if len(d.Dialed) != 2 {
		t.Errorf("expected 2 dials, got %d", len(d.Dialed))
	}
}
