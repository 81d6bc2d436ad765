// ABOUTME: HTTP image sizer that reads just enough of an image to learn its dimensions.
// ABOUTME: Decodes png, jpeg, gif, and webp headers via image.DecodeConfig.
package canvas

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"time"

	_ "golang.org/x/image/webp"
)

// HTTPSizer fetches images over HTTP. Relative sources such as proxied URLs are
// resolved against BaseURL.
type HTTPSizer struct {
	BaseURL  string
	Client   *http.Client
	MaxBytes int64
}

// NewHTTPSizer returns a sizer with a 10s client timeout and a 4 MiB read cap.
func NewHTTPSizer(baseURL string) *HTTPSizer {
	return &HTTPSizer{
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: 10 * time.Second},
		MaxBytes: 4 << 20,
	}
}

// Size implements Sizer.
func (s *HTTPSizer) Size(ctx context.Context, src string) (int, int, error) {
	target, err := s.resolve(src)
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build image request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, s.MaxBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func (s *HTTPSizer) resolve(src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse image url: %w", err)
	}
	if u.IsAbs() {
		return src, nil
	}
	if s.BaseURL == "" {
		return "", fmt.Errorf("relative image url %q without base url", src)
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}
