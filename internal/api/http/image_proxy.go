package apihttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Thumbnail URLs come straight from upstream museum records, so every target
// is untrusted input: public http(s) hosts only, redirect hops re-validated
// against the same rules.
const (
	maxImageBytes     = int64(20 * 1024 * 1024) // 20MB
	maxRedirectHops   = 5
	imageFetchTimeout = 12 * time.Second
	sniffLen          = 512
)

// blockedImageHosts are names that resolve inside the deployment: compose
// service names plus the usual loopback spellings.
var blockedImageHosts = map[string]struct{}{
	"localhost":  {},
	"127.0.0.1":  {},
	"::1":        {},
	"musesearch": {},
	"redis":      {},
	"prometheus": {},
	"grafana":    {},
	"traefik":    {},
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing url")
		return
	}
	target, err := url.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	if err := validateImageTarget(r.Context(), target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	req.Header.Set("User-Agent", "musehub-search/1.0")
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Some museum media hosts hotlink-protect; a same-host referer suffices.
	req.Header.Set("Referer", target.Scheme+"://"+target.Host+"/")

	resp, err := newThumbnailClient(r.Context()).Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch image")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Never forward an upstream error body; it may carry HTML/JS.
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return
	}
	if resp.ContentLength > maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "image too large")
		return
	}

	relayImage(w, resp)
}

// relayImage sniffs the first bytes to confirm the payload is an image, then
// streams the remainder under the size cap.
func relayImage(w http.ResponseWriter, resp *http.Response) {
	limited := io.LimitReader(resp.Body, maxImageBytes)

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(limited, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read image")
		return
	}
	head = head[:n]

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		writeError(w, http.StatusBadGateway, "upstream_error", "not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(head)
	_, _ = io.Copy(w, limited)
}

// newThumbnailClient builds a client that re-checks every redirect hop, since
// a public host may redirect into the private network.
func newThumbnailClient(parent context.Context) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	transport.DialContext = (&net.Dialer{Timeout: 8 * time.Second, KeepAlive: 30 * time.Second}).DialContext

	return &http.Client{
		Timeout:   imageFetchTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirectHops {
				return fmt.Errorf("stopped after %d redirects", maxRedirectHops)
			}
			if req.URL == nil {
				return errors.New("redirect missing url")
			}
			return validateImageTarget(parent, req.URL)
		},
	}
}

// validateImageTarget rejects anything that could reach the private network.
// Hostname literals that are IPs are checked without a resolver round trip.
func validateImageTarget(ctx context.Context, u *url.URL) error {
	if u == nil {
		return errors.New("invalid url")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http", "https":
	default:
		return errors.New("unsupported url scheme")
	}

	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		return errors.New("invalid url host")
	}
	if _, blocked := blockedImageHosts[host]; blocked {
		return errors.New("blocked url host")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") {
		return errors.New("blocked url host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return errors.New("blocked url host")
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
	if err != nil || len(addrs) == 0 {
		return errors.New("failed to resolve url host")
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return errors.New("blocked url host")
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified()
}
