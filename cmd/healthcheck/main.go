// Command healthcheck probes the chat screen's /healthz endpoint and exits
// non-zero when it is unreachable or unhealthy. It is meant for container
// HEALTHCHECK directives where no shell tools are available.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(run(healthURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"))))
}

// healthURL prefers an explicit URL, else builds one from the listen
// address the server uses (":8080" by default).
func healthURL(explicit, addr string) string {
	if explicit != "" {
		return explicit
	}
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func run(url string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("healthcheck request", slog.Any("err", err))
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("healthcheck failed", slog.String("url", url), slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("healthcheck unhealthy", slog.String("url", url), slog.Int("status", resp.StatusCode))
		return 1
	}
	return 0
}
