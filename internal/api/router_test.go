package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devpocket/relay/internal/broker"
	"github.com/devpocket/relay/internal/protocol"
	"github.com/devpocket/relay/internal/session"
)

func testBroker() *broker.Broker {
	mgr := session.NewManager(5, func(id, source, cwd string, kind session.Kind) (session.Backend, error) {
		return nil, nil
	})
	return broker.New(broker.Config{AuthRequired: false, ServerMode: protocol.ServerModeCLI, ServerVersion: "1.0.0"}, mgr)
}

func TestLivenessRoute(t *testing.T) {
	r := SetupRouter(testBroker(), false, 0)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthRoute(t *testing.T) {
	r := SetupRouter(testBroker(), false, 0)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPermissionForbiddenWhenAuthRequiredAndNoToken(t *testing.T) {
	r := SetupRouter(testBroker(), true, 0)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/permission", "application/json", nil)
	if err != nil {
		t.Fatalf("post /permission: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
