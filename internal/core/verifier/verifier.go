// Package verifier 通过当前生效的代理做端到端检查。
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"proxyswitch/internal/shared/logger"
)

// ErrVerificationFailed 表示检查失败或超时。
var ErrVerificationFailed = errors.New("verification failed")

const maxBodySize = 64 << 10

// IPResult 是一次公网 IP 查询的结果。
type IPResult struct {
	IP     string `json:"ip"`
	Source string `json:"source"`
}

// PageResult 是一次页面可达性检查的结果。
type PageResult struct {
	URL       string `json:"url"`
	FinalHost string `json:"finalHost"`
	Status    int    `json:"status"`
}

type Verifier struct {
	transport http.RoundTripper
	endpoints []string
}

// New 创建 Verifier。transport 决定请求走哪条网络路径，通常是 netconf.Manager.Transport()。
func New(transport http.RoundTripper, ipEndpoints []string) *Verifier {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Verifier{transport: transport, endpoints: ipEndpoints}
}

// CheckPublicIP 依次查询各个端点，返回第一个能解析出 IP 的结果。
// 每个端点共享同一个总超时。
func (v *Verifier) CheckPublicIP(ctx context.Context, timeout time.Duration) (IPResult, error) {
	l := logger.WithComponent("Verifier")
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var failures []string
	for _, endpoint := range v.endpoints {
		ip, err := v.fetchIP(ctx, endpoint)
		if err == nil {
			l.Debug().Str("ip", ip).Str("source", endpoint).Msg("Public IP resolved.")
			return IPResult{IP: ip, Source: endpoint}, nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(failures) == 0 {
		return IPResult{}, fmt.Errorf("%w: no ip endpoints configured", ErrVerificationFailed)
	}
	return IPResult{}, fmt.Errorf("%w: public ip check (%s)", ErrVerificationFailed, strings.Join(failures, "; "))
}

func (v *Verifier) fetchIP(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return parseIP(body)
}

// parseIP 接受 {"ip": "..."} 或纯文本响应。
func parseIP(body []byte) (string, error) {
	var payload struct {
		IP string `json:"ip"`
	}
	candidate := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		candidate = strings.TrimSpace(payload.IP)
	}
	if net.ParseIP(candidate) == nil {
		return "", fmt.Errorf("response is not an ip address: %.64q", candidate)
	}
	return candidate, nil
}

// CheckReachablePage 请求 pageURL 并跟随重定向。
// 状态码不在 statuses 中，或最终主机与 expectedHost 不一致时视为失败，
// 后者用于识别劫持或重定向流量的代理。statuses 为空时接受任意 2xx。
func (v *Verifier) CheckReachablePage(ctx context.Context, pageURL string, timeout time.Duration, expectedHost string, statuses []int) (PageResult, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return PageResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	resp, err := v.client().Do(req)
	if err != nil {
		return PageResult{}, fmt.Errorf("%w: page check: %v", ErrVerificationFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	result := PageResult{
		URL:       pageURL,
		FinalHost: resp.Request.URL.Hostname(),
		Status:    resp.StatusCode,
	}
	if !statusAllowed(resp.StatusCode, statuses) {
		return result, fmt.Errorf("%w: page check returned status %d", ErrVerificationFailed, resp.StatusCode)
	}
	if expectedHost != "" && !strings.EqualFold(result.FinalHost, expectedHost) {
		return result, fmt.Errorf("%w: page check landed on %s, expected %s", ErrVerificationFailed, result.FinalHost, expectedHost)
	}
	logger.WithComponent("Verifier").Debug().Str("url", pageURL).Int("status", resp.StatusCode).Msg("Page check passed.")
	return result, nil
}

func (v *Verifier) client() *http.Client {
	return &http.Client{Transport: v.transport}
}

func statusAllowed(status int, statuses []int) bool {
	if len(statuses) == 0 {
		return status >= 200 && status < 300
	}
	return slices.Contains(statuses, status)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
