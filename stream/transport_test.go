// ABOUTME: Tests for the HTTP event stream transport against httptest servers.
// ABOUTME: Checks request headers, resume IDs, and status/content-type rejection.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportSendsResumeHeaders(t *testing.T) {
	var gotPath, gotAccept, gotLast string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		gotLast = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		io.WriteString(w, "id: 9\ndata: {}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", nil)
	rc, err := tr.Open(context.Background(), "job 1", "8")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()

	if gotPath != "/api/jobs/job 1/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAccept != "text/event-stream" || gotLast != "8" {
		t.Errorf("accept=%q last=%q", gotAccept, gotLast)
	}
	if string(body) != "id: 9\ndata: {}\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestHTTPTransportRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, nil).Open(context.Background(), "missing", "")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound || se.Body != "no such job" {
		t.Errorf("status error = %+v", se)
	}
}

func TestHTTPTransportRejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "{}")
	}))
	defer srv.Close()

	if _, err := NewHTTPTransport(srv.URL, nil).Open(context.Background(), "j", ""); err == nil {
		t.Fatal("expected content type error")
	}
}
