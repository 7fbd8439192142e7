package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"proxyswitch/proxypool/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Scraper 接口定义了从代理源抓取原始记录的行为。
type Scraper interface {
	// Scrape 执行抓取并返回原始记录，不做规范化与验证。
	// ctx 的超时即该代理源的抓取超时。
	Scrape(ctx context.Context) ([]model.RawRecord, error)

	// Name 返回代理源名称，用于日志和去重诊断。
	Name() string
}

// get 发起带 UA 的 GET 请求，非 200 状态视为错误。调用方负责关闭 Body。
func get(ctx context.Context, client *http.Client, name, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, name)
	}
	return resp.Body, nil
}
