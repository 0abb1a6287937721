// Command healthcheck exits non-zero unless the local nestfind server reports
// itself healthy. It is meant for container HEALTHCHECK directives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	httphandler "github.com/ericfisherdev/nestfind/internal/adapter/driving/http"
)

const (
	defaultAddr = "127.0.0.1:8787"
	timeout     = 2 * time.Second
)

func main() {
	url := fmt.Sprintf("http://%s/healthz", normalizeAddr(os.Getenv("NESTFIND_LISTEN_ADDR")))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := checkHealth(ctx, &http.Client{Timeout: timeout}, url); err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		cancel()
		os.Exit(1)
	}
}

// checkHealth requires a 200 whose body decodes to status "ok".
func checkHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	var health httphandler.HealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("server reports status %q", health.Status)
	}
	return nil
}

// normalizeAddr swaps a bind-all host for loopback. The check runs next to
// the server, which usually listens on 0.0.0.0 or [::].
func normalizeAddr(raw string) string {
	host, port, err := net.SplitHostPort(raw)
	if raw == "" || err != nil {
		return defaultAddr
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}
