package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"canvasd/api/internal/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore, *fakePresence) {
	t.Helper()
	store := &fakeStore{}
	pres := &fakePresence{}
	service := New(config.Load(), store, pres)
	httpServer := NewHTTPServer(service, "*")
	server := httptest.NewServer(httpServer.Handler())
	t.Cleanup(server.Close)
	return server, store, pres
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Tenant-ID", "t1")
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-Session-ID", "sess-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", payload)
	}
}

func TestCardLifecycleOverHTTP(t *testing.T) {
	server, _, _ := newTestServer(t)
	base := server.URL + "/api/regions/main"

	resp, payload := doJSON(t, http.MethodPost, base+"/cards", `{"type":"chart"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%+v)", resp.StatusCode, payload)
	}
	cardID, _ := payload["cardId"].(string)
	if cardID == "" {
		t.Fatalf("expected cardId in response, got %+v", payload)
	}

	resp, payload = doJSON(t, http.MethodPost, base+"/cards/"+cardID+"/minimize", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minimize: expected 200, got %d (%+v)", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, base+"/cards", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	cards, _ := payload["cards"].([]any)
	if len(cards) != 1 {
		t.Fatalf("expected 1 card, got %+v", payload)
	}
	card, _ := cards[0].(map[string]any)
	if card["mode"] != "minimized" {
		t.Fatalf("expected minimized mode, got %+v", card)
	}

	resp, _ = doJSON(t, http.MethodDelete, base+"/cards/"+cardID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownCardReturns404(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/main/cards/ghost/minimize", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%+v)", resp.StatusCode, payload)
	}
	if payload["code"] != "CARD_NOT_FOUND" {
		t.Fatalf("expected CARD_NOT_FOUND, got %+v", payload)
	}
}

func TestCreateCardRequiresType(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/main/cards", `{}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%+v)", resp.StatusCode, payload)
	}
}

func TestLockedRegionReturns423(t *testing.T) {
	server, _, pres := newTestServer(t)
	pres.lockHolderFn = func(context.Context, string) (string, string, error) {
		return "bob", "sess-b", nil
	}

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/main/cards", `{"type":"chart"}`)
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("expected 423, got %d (%+v)", resp.StatusCode, payload)
	}
	if payload["code"] != "REGION_LOCKED" {
		t.Fatalf("expected REGION_LOCKED, got %+v", payload)
	}
}

func TestBulkEndpointRejectsUnknownAction(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/main/bulk", `{"action":"explode"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%+v)", resp.StatusCode, payload)
	}
}

func TestUndoEmptyHistory(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/regions/main/bulk/undo", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["undone"] != false {
		t.Fatalf("expected undone=false, got %+v", payload)
	}
}

func TestLockEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	base := server.URL + "/api/regions/main/lock"

	resp, payload := doJSON(t, http.MethodPost, base, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: expected 200, got %d", resp.StatusCode)
	}
	if payload["success"] != true {
		t.Fatalf("expected success, got %+v", payload)
	}

	resp, _ = doJSON(t, http.MethodDelete, base, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: expected 200, got %d", resp.StatusCode)
	}
}
