package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vigia-electoral/vigia/internal/schools"
	"github.com/vigia-electoral/vigia/internal/session"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *session.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := session.NewStore(session.StoreConfig{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	client, err := NewClient(Config{BaseURL: server.URL, Session: store})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, store
}

func TestLoginDoesNotCommitSession(t *testing.T) {
	client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode login payload: %v", err)
		}
		if payload["username"] != "cria1" || payload["password"] != "secreto" {
			t.Errorf("unexpected credentials %v", payload)
		}
		json.NewEncoder(w).Encode(LoginResult{ //nolint:errcheck
			Token: "issued-token",
			User:  session.Identity{ID: "operator-1", Username: "cria1", Role: "comisaria"},
		})
	}))

	result, err := client.Login(context.Background(), "cria1", "secreto")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Token != "issued-token" || result.User.ID != "operator-1" {
		t.Fatalf("unexpected login result %+v", result)
	}
	// Committing the pair is the caller's decision.
	if store.Token() != "" {
		t.Fatalf("login must not write the session store")
	}
}

func TestBearerHeaderAttached(t *testing.T) {
	var seenAuth string
	client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.Write([]byte("[]")) //nolint:errcheck
	}))

	if err := store.SetAuth("the-token", session.Identity{ID: "operator-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if _, err := client.Schools(context.Background()); err != nil {
		t.Fatalf("schools: %v", err)
	}
	if seenAuth != "Bearer the-token" {
		t.Fatalf("unexpected authorization header %q", seenAuth)
	}
}

func TestUnauthorizedForcesLogout(t *testing.T) {
	client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if err := store.SetAuth("stale-token", session.Identity{ID: "operator-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}

	_, err := client.Schools(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if store.Token() != "" {
		t.Fatalf("session not torn down after unauthorized response")
	}
}

func TestErrorPayloadDecoded(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"hourly report already locked"}`)) //nolint:errcheck
	}))

	_, err := client.UpdateSchool(context.Background(), "school-1", schools.Patch{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "hourly report already locked" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
}

func TestErrorPayloadFallbackMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("not json")) //nolint:errcheck
	}))

	_, err := client.Schools(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "request failed" {
		t.Fatalf("unexpected fallback message %q", apiErr.Message)
	}
}

func TestMutationPathsAndPayloads(t *testing.T) {
	type seenRequest struct {
		method string
		path   string
		body   map[string]any
	}
	var seen []seenRequest

	client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		seen = append(seen, seenRequest{method: r.Method, path: r.URL.Path, body: body})
		w.Write([]byte("{}")) //nolint:errcheck
	}))
	if err := store.SetAuth("token", session.Identity{ID: "operator-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}

	ctx := context.Background()
	if _, err := client.AddNovelty(ctx, "school-1", schools.NoveltyIncident, "corte de luz"); err != nil {
		t.Fatalf("add novelty: %v", err)
	}
	if err := client.ResetSchool(ctx, "school-1", true, false); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(seen))
	}
	novelty := seen[0]
	if novelty.method != http.MethodPost || novelty.path != "/schools/school-1/novelties" {
		t.Fatalf("unexpected novelty request %+v", novelty)
	}
	if novelty.body["type"] != "incidente" || novelty.body["text"] != "corte de luz" {
		t.Fatalf("unexpected novelty payload %+v", novelty.body)
	}
	reset := seen[1]
	if reset.method != http.MethodPost || reset.path != "/schools/school-1/reset" {
		t.Fatalf("unexpected reset request %+v", reset)
	}
	if reset.body["keepEffectives"] != true || reset.body["keepMesasAssigned"] != false {
		t.Fatalf("unexpected reset payload %+v", reset.body)
	}
}
