package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestUploadFlow(t *testing.T) {
	var putBody atomic.Value
	var parseCalls, recommendCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/token/refresh", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "at"})
	})
	var baseURL string
	mux.HandleFunc("/api/pre-sign-url", func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]string
		json.NewDecoder(req.Body).Decode(&payload)
		if payload["name"] != "notes.pdf" {
			t.Errorf("pre-sign name = %q", payload["name"])
		}
		if payload["action"] != "file" {
			t.Errorf("pre-sign action = %q", payload["action"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"url":         baseURL + "/put-target",
			"object_name": "obj-1",
		})
	})
	mux.HandleFunc("/put-target", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		putBody.Store(string(body))
	})
	mux.HandleFunc("/api/file", func(w http.ResponseWriter, req *http.Request) {
		var info map[string]any
		json.NewDecoder(req.Body).Decode(&info)
		if info["object_name"] != "obj-1" {
			t.Errorf("register object_name = %v", info["object_name"])
		}
		if _, hasMeta := info["meta"]; hasMeta {
			t.Error("non-image upload must not carry image dimensions")
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "file-1"})
	})
	mux.HandleFunc("/api/file/parse_process", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&parseCalls, 1)
	})
	mux.HandleFunc("/api/file/recommend_prompt", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&recommendCalls, 1)
		var payload map[string][]string
		json.NewDecoder(req.Body).Decode(&payload)
		if len(payload["ids"]) != 1 || payload["ids"][0] != "file-1" {
			t.Errorf("recommend_prompt ids = %v", payload["ids"])
		}
		json.NewEncoder(w).Encode(map[string]string{"recommend_prompt": "总结要点"})
	})

	c := newTestKimi(t, mux)
	baseURL = c.baseURL

	path := filepath.Join(t.TempDir(), "notes.pdf")
	if err := os.WriteFile(path, []byte("pdf-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := c.Upload(context.Background(), "notes.pdf", path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "file-1" {
		t.Errorf("id = %q", id)
	}
	if got, _ := putBody.Load().(string); got != "pdf-bytes" {
		t.Errorf("uploaded bytes = %q", got)
	}
	if n := atomic.LoadInt32(&parseCalls); n != 1 {
		t.Errorf("parse_process called %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&recommendCalls); n != 1 {
		t.Errorf("recommend_prompt called %d times, want 1", n)
	}
}

func TestUploadPreSignFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/token/refresh", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "at"})
	})
	mux.HandleFunc("/api/pre-sign-url", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestKimi(t, mux)

	path := filepath.Join(t.TempDir(), "notes.pdf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Upload(context.Background(), "notes.pdf", path); err == nil {
		t.Fatal("expected error from failed pre-sign")
	}
}
