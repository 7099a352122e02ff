package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// ProbeResult is the outcome of a connectivity test through one proxy.
type ProbeResult struct {
	ID         string  `json:"id"`
	Success    bool    `json:"success"`
	ResponseMs float64 `json:"responseMs"`
	Error      string  `json:"error,omitempty"`
}

// TestProxy issues a request through the proxy and records the outcome in
// the pool's health bookkeeping. targetURL defaults to a generate_204-style
// endpoint when empty.
func (pl *Pool) TestProxy(ctx context.Context, id, targetURL string) (*ProbeResult, error) {
	p, err := pl.GetProxy(id)
	if err != nil {
		return nil, err
	}
	if targetURL == "" {
		targetURL = "https://www.gstatic.com/generate_204"
	}

	client, err := pl.clientFor(p)
	if err != nil {
		return nil, fmt.Errorf("proxypool: probe setup: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("proxypool: probe request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := float64(time.Since(start).Milliseconds())

	res := &ProbeResult{ID: id, ResponseMs: elapsed}
	if err != nil {
		res.Error = err.Error()
		_ = pl.RecordFailure(id, err)
		return res, nil
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
		_ = pl.RecordFailure(id, fmt.Errorf("proxypool: probe status %d", resp.StatusCode))
		return res, nil
	}

	res.Success = true
	_ = pl.RecordSuccess(id, elapsed)
	return res, nil
}

// TestAll probes every proxy sequentially and returns per-proxy results.
func (pl *Pool) TestAll(ctx context.Context, targetURL string) []ProbeResult {
	var out []ProbeResult
	for _, p := range pl.List() {
		if ctx.Err() != nil {
			break
		}
		r, err := pl.TestProxy(ctx, p.ID, targetURL)
		if err != nil {
			out = append(out, ProbeResult{ID: p.ID, Error: err.Error()})
			continue
		}
		out = append(out, *r)
	}
	return out
}

func (pl *Pool) clientFor(p *Proxy) (*http.Client, error) {
	switch p.Type {
	case TypeSOCKS4, TypeSOCKS5:
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)), auth, xproxy.Direct)
		if err != nil {
			return nil, err
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
		return &http.Client{Transport: transport, Timeout: 15 * time.Second}, nil
	default:
		u, err := url.Parse(p.URL())
		if err != nil {
			return nil, err
		}
		transport := &http.Transport{Proxy: http.ProxyURL(u)}
		return &http.Client{Transport: transport, Timeout: 15 * time.Second}, nil
	}
}
