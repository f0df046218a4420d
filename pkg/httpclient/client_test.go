package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewSetsTimeoutAndAgent(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := New(Options{UserAgent: "sentinel-grab/test"})
	if client.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, DefaultTimeout)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if agent != "sentinel-grab/test" {
		t.Errorf("User-Agent = %q", agent)
	}
}
