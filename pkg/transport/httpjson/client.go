package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eskka-go/discovery/pkg/transport"
)

// Client is a thin HTTP client for the Discovery API, with simple retry and
// backoff for robustness against transient dial failures.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) scheme() string {
	if c.isTLS {
		return "https"
	}
	return "http"
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.httpc.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	url := fmt.Sprintf("%s://%s/status", c.scheme(), addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.doWithRetry(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

func (c *Client) FollowerPublish(ctx context.Context, addr string, req transport.FollowerPublishRequest, timeout time.Duration) (transport.FollowerPublishResponse, error) {
	var out transport.FollowerPublishResponse
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	url := fmt.Sprintf("%s://%s/discovery/publish", c.scheme(), addr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.doWithRetry(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	if out.Err != "" {
		return out, fmt.Errorf(out.Err)
	}
	return out, nil
}

func (c *Client) PleasePublishDiscoveryState(ctx context.Context, addr string, req transport.PleasePublishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s://%s/discovery/please-publish", c.scheme(), addr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.doWithRetry(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("please-publish status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (c *Client) Identify(ctx context.Context, addr string, timeout time.Duration) (transport.IdentifyResponse, error) {
	var out transport.IdentifyResponse
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	url := fmt.Sprintf("%s://%s/discovery/identify", c.scheme(), addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.doWithRetry(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("identify status %d: %s", resp.StatusCode, string(b))
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func (c *Client) RequestPing(ctx context.Context, addr string, req transport.PingRequestWire, timeout time.Duration) (transport.PingResponseWire, error) {
	var out transport.PingResponseWire
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	url := fmt.Sprintf("%s://%s/discovery/ping", c.scheme(), addr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.doWithRetry(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("ping status %d: %s", resp.StatusCode, string(b))
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

var _ transport.RPCClient = (*Client)(nil)
