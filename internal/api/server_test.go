package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tutorlink/internal/auth"
	"tutorlink/internal/store"
	"tutorlink/pkg/types"
)

type mockNotificationStore struct {
	mu            sync.Mutex
	notifications map[string]*types.Notification
	healthErr     error
	listErr       error
}

func newMockNotificationStore() *mockNotificationStore {
	return &mockNotificationStore{notifications: make(map[string]*types.Notification)}
}

func (m *mockNotificationStore) add(id, userID string, read bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[id] = &types.Notification{
		ID:        id,
		UserID:    userID,
		Type:      types.NotificationChatMessage,
		Read:      read,
		CreatedAt: time.Now().UTC(),
	}
}

func (m *mockNotificationStore) ListNotifications(ctx context.Context, userID string, page, perPage int) ([]*types.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := []*types.Notification{}
	for _, n := range m.notifications {
		if n.UserID == userID {
			copied := *n
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockNotificationStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) (*types.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[notificationID]
	if !ok || n.UserID != userID {
		return nil, store.ErrNotificationNotFound
	}
	n.Read = true
	copied := *n
	return &copied, nil
}

func (m *mockNotificationStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.UserID == userID {
			n.Read = true
		}
	}
	return nil
}

func (m *mockNotificationStore) ClearNotifications(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.notifications {
		if n.UserID == userID {
			delete(m.notifications, id)
		}
	}
	return nil
}

func (m *mockNotificationStore) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

type mockStats struct {
	users, conns int
}

func (m *mockStats) Stats() map[string]int {
	return map[string]int{
		"connected_users":   m.users,
		"total_connections": m.conns,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *mockNotificationStore, *auth.Verifier) {
	t.Helper()
	st := newMockNotificationStore()
	verifier := auth.NewVerifier("test-secret")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(st, verifier, &mockStats{users: 2, conns: 3}, logger).Routes())
	t.Cleanup(srv.Close)
	return srv, st, verifier
}

func request(t *testing.T, method, url, token string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request err: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	body := map[string]json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("body decode err: %v", err)
	}
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)

	resp, body := request(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var connections map[string]int
	if err := json.Unmarshal(body["connections"], &connections); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	if connections["connected_users"] != 2 || connections["total_connections"] != 3 {
		t.Errorf("connections = %v", connections)
	}

	st.mu.Lock()
	st.healthErr = errors.New("db gone")
	st.mu.Unlock()

	resp, _ = request(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestNotificationsRequireAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := request(t, http.MethodGet, srv.URL+"/api/notifications", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = request(t, http.MethodGet, srv.URL+"/api/notifications", "not-a-jwt")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", resp.StatusCode)
	}
}

func TestListNotifications(t *testing.T) {
	srv, st, verifier := newTestServer(t)
	st.add("n1", "bob", false)
	st.add("n2", "bob", true)
	st.add("n3", "alice", false)

	token, err := verifier.Issue("bob", types.RoleTutor, "Bob")
	if err != nil {
		t.Fatalf("issue err: %v", err)
	}

	resp, body := request(t, http.MethodGet, srv.URL+"/api/notifications", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var notifications []*types.Notification
	if err := json.Unmarshal(body["notifications"], &notifications); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	// Only bob's, never alice's.
	if len(notifications) != 2 {
		t.Errorf("got %d notifications, want 2", len(notifications))
	}
	for _, n := range notifications {
		if n.UserID != "bob" {
			t.Errorf("leaked notification for %q", n.UserID)
		}
	}
}

func TestListNotificationsBadPage(t *testing.T) {
	srv, _, verifier := newTestServer(t)
	token, _ := verifier.Issue("bob", types.RoleTutor, "Bob")

	for _, page := range []string{"0", "-1", "abc"} {
		resp, _ := request(t, http.MethodGet, srv.URL+"/api/notifications?page="+page, token)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("page=%s: status = %d, want 400", page, resp.StatusCode)
		}
	}
}

func TestMarkNotificationRead(t *testing.T) {
	srv, st, verifier := newTestServer(t)
	st.add("n1", "bob", false)
	token, _ := verifier.Issue("bob", types.RoleTutor, "Bob")

	resp, body := request(t, http.MethodPut, srv.URL+"/api/notifications/n1/read", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var n types.Notification
	if err := json.Unmarshal(body["notification"], &n); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	if !n.Read {
		t.Error("notification not marked read in response")
	}

	// Unknown ID and someone else's notification look the same.
	resp, _ = request(t, http.MethodPut, srv.URL+"/api/notifications/missing/read", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", resp.StatusCode)
	}

	st.add("n2", "alice", false)
	resp, _ = request(t, http.MethodPut, srv.URL+"/api/notifications/n2/read", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign id: status = %d, want 404", resp.StatusCode)
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	srv, st, verifier := newTestServer(t)
	st.add("n1", "bob", false)
	st.add("n2", "bob", false)
	st.add("n3", "alice", false)
	token, _ := verifier.Issue("bob", types.RoleTutor, "Bob")

	resp, _ := request(t, http.MethodPut, srv.URL+"/api/notifications/read-all", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.notifications["n1"].Read || !st.notifications["n2"].Read {
		t.Error("bob's notifications not all read")
	}
	if st.notifications["n3"].Read {
		t.Error("alice's notification touched by bob's read-all")
	}
}

func TestClearNotifications(t *testing.T) {
	srv, st, verifier := newTestServer(t)
	st.add("n1", "bob", true)
	st.add("n2", "alice", false)
	token, _ := verifier.Issue("bob", types.RoleTutor, "Bob")

	// The path must name the caller.
	resp, _ := request(t, http.MethodDelete, srv.URL+"/api/notifications/clear/alice", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign clear: status = %d, want 403", resp.StatusCode)
	}

	resp, _ = request(t, http.MethodDelete, srv.URL+"/api/notifications/clear/bob", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.notifications["n1"]; ok {
		t.Error("bob's notification survived clear")
	}
	if _, ok := st.notifications["n2"]; !ok {
		t.Error("alice's notification removed by bob's clear")
	}
}
