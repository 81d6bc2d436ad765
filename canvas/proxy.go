// ABOUTME: Same-origin image proxy URL wrapping and unwrapping.
// ABOUTME: The unwrapped origin URL is the canvas dedup key for placed images.
package canvas

import (
	"net/url"
	"strings"
)

// ProxyPath is the same-origin endpoint that relays remote images.
const ProxyPath = "/api/proxy-image"

// WrapProxy returns the proxied form of origin. Already-wrapped URLs are returned unchanged.
func WrapProxy(origin string) string {
	if origin == "" || isProxied(origin) {
		return origin
	}
	return ProxyPath + "?url=" + url.QueryEscape(origin)
}

// UnwrapProxy resolves src to its origin URL, stripping any number of proxy
// layers. Sources that are not proxied are returned unchanged.
func UnwrapProxy(src string) string {
	for i := 0; i < 4; i++ {
		inner, ok := unwrapOnce(src)
		if !ok {
			break
		}
		src = inner
	}
	return src
}

func unwrapOnce(src string) (string, bool) {
	if !isProxied(src) {
		return "", false
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	inner := u.Query().Get("url")
	if inner == "" {
		return "", false
	}
	return inner, true
}

func isProxied(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, ProxyPath) && u.Query().Has("url")
}
