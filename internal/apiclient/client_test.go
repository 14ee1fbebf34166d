package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/chirp-im/chirp/internal/session"
)

func testCreds(t *testing.T) *session.Credentials {
	t.Helper()
	c := session.NewCredentialsFile(filepath.Join(t.TempDir(), "credentials.toml"))
	if err := c.Store("test-token"); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestListChatsPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chats" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("cursor") == "" {
			_ = json.NewEncoder(w).Encode(ChatPage{
				Items:      []ChatState{{ChatID: "c1"}},
				NextCursor: "page2",
				HasMore:    true,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(ChatPage{Items: []ChatState{{ChatID: "c2"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(t))

	page, err := c.ListChats(context.Background(), "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore || page.NextCursor != "page2" || len(page.Items) != 1 {
		t.Fatalf("first page = %+v", page)
	}

	page, err = c.ListChats(context.Background(), page.NextCursor, 100)
	if err != nil {
		t.Fatal(err)
	}
	if page.HasMore || len(page.Items) != 1 || page.Items[0].ChatID != "c2" {
		t.Fatalf("second page = %+v", page)
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ClientID != "c1" || req.ChatID != "chat42" {
			t.Errorf("req = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message_id": "m99", "sent_at": 1234})
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(t))
	serverID, sentAt, err := c.SendMessage(context.Background(), SendRequest{ClientID: "c1", ChatID: "chat42", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if serverID != "m99" || sentAt != 1234 {
		t.Errorf("got %q/%d, want m99/1234", serverID, sentAt)
	}
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(t))
	_, err := c.ListChats(context.Background(), "", 10)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestExpiredCredentialIsUnauthorized(t *testing.T) {
	creds := session.NewCredentialsFile(filepath.Join(t.TempDir(), "credentials.toml"))
	c := New("http://127.0.0.1:0", creds)
	_, err := c.ListChats(context.Background(), "", 10)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chats/chat42/read" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["up_to_message_id"] != "m99" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(t))
	if err := c.MarkRead(context.Background(), "chat42", "m99"); err != nil {
		t.Fatal(err)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(t))
	_, _, err := c.SendMessage(context.Background(), SendRequest{ClientID: "c1", ChatID: "chat42"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("500 should not map to ErrUnauthorized")
	}
}
