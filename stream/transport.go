// ABOUTME: Transport abstraction for opening a job's event stream, plus the HTTP implementation.
// ABOUTME: HTTPTransport issues GET /api/jobs/{id}/events with Last-Event-ID for resume.
package stream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Transport opens one connection to a job's event stream. The returned reader
// yields text/event-stream bytes until the connection ends or is closed.
type Transport interface {
	Open(ctx context.Context, jobID, lastEventID string) (io.ReadCloser, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, jobID, lastEventID string) (io.ReadCloser, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, jobID, lastEventID string) (io.ReadCloser, error) {
	return f(ctx, jobID, lastEventID)
}

// StatusError reports a non-200 response when opening the stream.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("event stream: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("event stream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport opens event streams over HTTP.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTransport returns a transport rooted at baseURL. The client must not
// set an overall Timeout, since streams are long-lived; nil uses a plain client.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Open implements Transport.
func (t *HTTPTransport) Open(ctx context.Context, jobID, lastEventID string) (io.ReadCloser, error) {
	endpoint := t.BaseURL + "/api/jobs/" + url.PathEscape(jobID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "text/event-stream" {
			resp.Body.Close()
			return nil, fmt.Errorf("open stream: unexpected content type %q", mt)
		}
	}
	return resp.Body, nil
}
