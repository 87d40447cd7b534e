package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGitHubClientListReleases(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/headset/releases" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("per_page"); got != "5" {
			t.Errorf("per_page = %q, want 5", got)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github.v3+json" {
			t.Errorf("accept = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("authorization = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"tag_name":"v2.0.0","name":"Two","assets":[]},
			{"tag_name":"v1.9.0","name":"Draft","draft":true,"assets":[]},
			{"tag_name":"v1.8.0-rc1","name":"RC","prerelease":true,"assets":[]}
		]`))
	}))
	defer server.Close()

	client := NewGitHubClient(server.URL, "acme/headset", "token123")
	releases, err := client.ListReleases(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}

	if len(releases) != 2 {
		t.Fatalf("got %d releases, want 2 (draft filtered)", len(releases))
	}
	if releases[0].TagName != "v2.0.0" {
		t.Fatalf("first tag = %q", releases[0].TagName)
	}
	if !releases[1].Prerelease {
		t.Fatal("prerelease should be kept")
	}
}

func TestGitHubClientClampsPerPage(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query().Get("per_page")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewGitHubClient(server.URL, "acme/headset", "")
	if _, err := client.ListReleases(context.Background(), 5000); err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	if seen != "100" {
		t.Fatalf("per_page = %q, want 100", seen)
	}
}

func TestGitHubClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewGitHubClient(server.URL, "acme/headset", "")
	if _, err := client.ListReleases(context.Background(), 10); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestGitHubClientOmitsAuthWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("authorization = %q, want empty", got)
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewGitHubClient(server.URL, "acme/headset", "")
	if _, err := client.ListReleases(context.Background(), 1); err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
}
