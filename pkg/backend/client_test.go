package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tapgate-hq/tapgate/pkg/config"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Writer: io.Discard})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return logger
}

func testClient(t *testing.T, serverURL string, macaroonHex string) *Client {
	t.Helper()

	var provider *MacaroonProvider
	var err error
	if macaroonHex == "" {
		provider, err = NewMacaroonProvider("", testLogger(t))
	} else {
		path := filepath.Join(t.TempDir(), "admin.macaroon")
		if werr := os.WriteFile(path, []byte(macaroonHex), 0o600); werr != nil {
			t.Fatalf("write macaroon: %v", werr)
		}
		provider, err = NewMacaroonProvider(path, testLogger(t))
	}
	if err != nil {
		t.Fatalf("create macaroon provider: %v", err)
	}
	t.Cleanup(func() { provider.Close() })

	client, err := NewClient(config.BackendConfig{
		URL:            serverURL,
		RequestTimeout: 5 * time.Second,
	}, provider, testLogger(t), metrics.NewCollector(metrics.Config{}, nil))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client
}

func TestDoSendsMacaroonHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Grpc-Metadata-macaroon")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "deadbeef")

	if _, err := client.Do(context.Background(), http.MethodGet, "/v1/taproot-assets/mailbox/info", nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotHeader != "deadbeef" {
		t.Errorf("macaroon header = %q, want deadbeef", gotHeader)
	}
}

func TestProbeMailboxPermissionsForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/taproot-assets/mailbox/info":
			w.Write([]byte(`{"mailbox_enabled": true}`))
		case "/v1/taproot-assets/mailbox/receive":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "")

	ok, err := client.ProbeMailboxPermissions(context.Background(), "rcv_probe001")
	if err != nil {
		t.Fatalf("ProbeMailboxPermissions: %v", err)
	}
	if ok {
		t.Error("probe reported permitted despite 403 from receive endpoint")
	}
}

func TestProbeMailboxPermissionsTimeoutFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/taproot-assets/mailbox/info":
			w.Write([]byte(`{}`))
		case "/v1/taproot-assets/mailbox/receive":
			// Exceed the probe timeout.
			time.Sleep(3 * time.Second)
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "")

	ok, err := client.ProbeMailboxPermissions(context.Background(), "rcv_probe002")
	if err != nil {
		t.Fatalf("ProbeMailboxPermissions: %v", err)
	}
	if !ok {
		t.Error("probe timeout should not deny access")
	}
}

func TestProbeMailboxPermissionsMailboxDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mailbox_enabled": false}`))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "")

	ok, err := client.ProbeMailboxPermissions(context.Background(), "rcv_probe003")
	if err != nil {
		t.Fatalf("ProbeMailboxPermissions: %v", err)
	}
	if ok {
		t.Error("probe reported permitted despite mailbox_enabled=false")
	}
}

func TestDecodeAddr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["addr"] == "taprt1known" {
			w.Write([]byte(`{"asset_id":"abc"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL, "")

	if !client.DecodeAddr(context.Background(), "taprt1known") {
		t.Error("known address not accepted")
	}
	if client.DecodeAddr(context.Background(), "taprt1unknown") {
		t.Error("unknown address accepted")
	}
}

func TestDeriveWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://localhost:8089", "wss://localhost:8089", false},
		{"http://localhost:8089", "ws://localhost:8089", false},
		{"ftp://localhost", "", true},
	}
	for _, tt := range tests {
		got, err := deriveWebSocketURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("deriveWebSocketURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("deriveWebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMacaroonProviderReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admin.macaroon")
	if err := os.WriteFile(path, []byte("aabb"), 0o600); err != nil {
		t.Fatalf("write macaroon: %v", err)
	}

	provider, err := NewMacaroonProvider(path, testLogger(t))
	if err != nil {
		t.Fatalf("NewMacaroonProvider: %v", err)
	}
	defer provider.Close()

	if provider.Hex() != "aabb" {
		t.Fatalf("Hex() = %q, want aabb", provider.Hex())
	}

	if err := os.WriteFile(path, []byte("ccdd"), 0o600); err != nil {
		t.Fatalf("rewrite macaroon: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for provider.Hex() != "ccdd" {
		select {
		case <-deadline:
			t.Fatalf("macaroon not reloaded, still %q", provider.Hex())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
