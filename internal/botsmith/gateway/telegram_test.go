package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tmarkov/botsmith/internal/botsmith/gateway"
)

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	tg := gateway.NewTelegram(srv.URL)
	err := tg.SendMessage(context.Background(), "123:secret", 42, "bot is offline")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if gotPath != "/bot123:secret/sendMessage" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotBody["chat_id"].(float64) != 42 {
		t.Errorf("chat_id: got %v", gotBody["chat_id"])
	}
	if gotBody["text"] != "bot is offline" {
		t.Errorf("text: got %v", gotBody["text"])
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Unauthorized"})
	}))
	defer srv.Close()

	tg := gateway.NewTelegram(srv.URL)
	err := tg.SendMessage(context.Background(), "bad:token", 42, "hello")
	if err == nil {
		t.Fatal("expected error for rejected send")
	}
}
