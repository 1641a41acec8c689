package watchdog

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPCheck builds a health-check function that GETs baseURL+path and
// requires a 2xx/3xx response. The returned function honors ctx deadlines;
// the client itself carries no timeout.
func HTTPCheck(path string) func(ctx context.Context, baseURL string) error {
	client := resty.New().SetRetryCount(0)
	return func(ctx context.Context, baseURL string) error {
		if baseURL == "" {
			return fmt.Errorf("no base url")
		}
		url := strings.TrimRight(baseURL, "/") + path
		resp, err := client.R().SetContext(ctx).Get(url)
		if err != nil {
			return err
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 400 {
			return fmt.Errorf("health check %s: %s", url, resp.Status())
		}
		return nil
	}
}

// TCPCheck builds a health-check function that dials the host:port of
// baseURL. Useful for services without an HTTP health endpoint.
func TCPCheck() func(ctx context.Context, baseURL string) error {
	var d net.Dialer
	return func(ctx context.Context, baseURL string) error {
		addr := strings.TrimPrefix(strings.TrimPrefix(baseURL, "http://"), "https://")
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		_ = conn.SetDeadline(time.Now().Add(time.Second))
		return conn.Close()
	}
}
