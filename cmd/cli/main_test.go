package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func withFakeAPI(t *testing.T, mux *http.ServeMux) {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Setenv("ORDER_AGENT_API_URL", server.URL)
}

func TestPostChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["message"] != "hello" {
			t.Errorf("message = %q", req["message"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"session_id": "session-abc",
			"reply":      "Hello! How can I help?",
		})
	})
	withFakeAPI(t, mux)

	resp, err := postChat("", "hello")
	if err != nil {
		t.Fatalf("postChat: %v", err)
	}
	if resp.SessionID != "session-abc" || resp.Reply == "" {
		t.Errorf("response: %+v", resp)
	}
}

func TestPostChatErrorBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "message is required"})
	})
	withFakeAPI(t, mux)

	if _, err := postChat("", "hello"); err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []map[string]any{{"session_id": "session-abc", "messages": 2}},
			"total":    1,
		})
	})
	mux.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"deleted": r.PathValue("id")})
	})
	withFakeAPI(t, mux)

	sessions, err := listSessions()
	if err != nil {
		t.Fatalf("listSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0]["session_id"] != "session-abc" {
		t.Errorf("sessions = %+v", sessions)
	}

	if err := deleteSession("session-abc"); err != nil {
		t.Errorf("deleteSession: %v", err)
	}
}
