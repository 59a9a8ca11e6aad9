package federation

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

const maxRedirects = 10

// strictGuard applies when no resolver supplies its own guard.
var strictGuard = NewAddressGuard(false)

// AddressGuard refuses outbound requests to loopback, private, link-local
// and unspecified addresses unless private addresses are allowed. URLs
// are checked up front; dials are checked again after DNS resolution.
type AddressGuard struct {
	allowPrivate atomic.Bool
}

func NewAddressGuard(allowPrivate bool) *AddressGuard {
	g := &AddressGuard{}
	g.allowPrivate.Store(allowPrivate)
	return g
}

func (g *AddressGuard) AllowPrivate(allow bool) {
	g.allowPrivate.Store(allow)
}

func (g *AddressGuard) allowed() bool {
	return g != nil && g.allowPrivate.Load()
}

// CheckURL rejects non-http(s) URLs and URLs naming localhost or a
// private IP literal.
func (g *AddressGuard) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	if g.allowed() {
		return nil
	}

	host := strings.TrimSuffix(u.Hostname(), ".")
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, raw)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, raw)
	}
	return nil
}

// control runs on every dial with the resolved address.
func (g *AddressGuard) control(network, address string, _ syscall.RawConn) error {
	if g.allowed() {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || isPrivateIP(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	return nil
}

// Client returns an HTTP client whose connections and redirects pass the
// guard. Proxies are not used, since they would hide the real address.
func (g *AddressGuard) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   g.control,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("stopped after too many redirects")
			}
			return g.CheckURL(req.URL.String())
		},
	}
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
