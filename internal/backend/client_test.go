package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScene(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scenes/intro" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Scene{
			ID:    "intro",
			Title: "The Lighthouse",
			Body:  "# The Lighthouse\n\nThe lamp had been dark for three nights.",
			Next:  []Choice{{Label: "Climb the stairs", SceneID: "stairs"}},
		})
	}))
	defer srv.Close()

	scene, err := NewClient(srv.URL).Scene(context.Background(), "intro")
	if err != nil {
		t.Fatalf("Scene: %v", err)
	}
	if scene.Title != "The Lighthouse" {
		t.Errorf("Title = %q", scene.Title)
	}
	if len(scene.Next) != 1 || scene.Next[0].SceneID != "stairs" {
		t.Errorf("Next = %+v", scene.Next)
	}
}

func TestSceneNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Scene(context.Background(), "missing")
	if !errors.Is(err, ErrSceneNotFound) {
		t.Errorf("err = %v, want ErrSceneNotFound", err)
	}
}

func TestCreateNarrationSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/scenes/intro/narration" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Voice     string `json:"voice"`
			RequestID string `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Voice != "aria" {
			t.Errorf("voice = %q", req.Voice)
		}
		if req.RequestID == "" {
			t.Error("request_id missing")
		}
		json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-abc"})
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).CreateNarrationSession(context.Background(), "intro", "aria")
	if err != nil {
		t.Fatalf("CreateNarrationSession: %v", err)
	}
	if id != "sess-abc" {
		t.Errorf("session id = %q, want sess-abc", id)
	}
}

func TestCreateNarrationSessionErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error with body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "synthesis workers saturated", http.StatusServiceUnavailable)
			},
		},
		{
			name: "empty session id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			if _, err := NewClient(srv.URL).CreateNarrationSession(context.Background(), "intro", ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}
