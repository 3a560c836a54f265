package latency

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"shadowtun/internal/config"
	"shadowtun/internal/flow"
	"shadowtun/internal/relay"
)

const DefaultTestURL = "http://www.gstatic.com/generate_204"

// HTTPStrategy measures latency by making an HTTP request through the
// Shadowsocks server. More accurate than TCP but heavier - validates the
// cipher, the password and the server's outbound path.
type HTTPStrategy struct {
	// URL is fetched through the server. Empty means DefaultTestURL.
	URL string
}

func (s *HTTPStrategy) Name() string { return "http" }

func (s *HTTPStrategy) Test(ctx context.Context, server *config.ServerLink) (time.Duration, error) {
	client, err := relay.New(relay.Config{
		Server:   server.Address,
		Method:   server.Method,
		Password: server.Password,
	}, systemResolver{}, nil)
	if err != nil {
		return 0, err
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			target, err := flow.ParseAddress(addr)
			if err != nil {
				return nil, err
			}
			return client.Dial(ctx, target)
		},
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	defer transport.CloseIdleConnections()
	httpClient := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Don't follow redirects.
		},
	}

	testURL := s.URL
	if testURL == "" {
		testURL = DefaultTestURL
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	resp.Body.Close()
	elapsed := time.Since(start)

	// generate_204 answers 204 No Content.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return elapsed, nil
}
