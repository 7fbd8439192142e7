package scraper

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
)

// TextListScraper 读取每行一个代理的纯文本列表。
// 行格式为 scheme://host:port 或 host:port，后者使用 defaultScheme。
type TextListScraper struct {
	client        *http.Client
	url           string
	defaultScheme string
}

func NewTextListScraper(listURL, defaultScheme string) Scraper {
	if defaultScheme == "" {
		defaultScheme = model.SchemeHTTP
	}
	return &TextListScraper{
		client:        &http.Client{},
		url:           listURL,
		defaultScheme: defaultScheme,
	}
}

func (s *TextListScraper) Name() string {
	if u, err := url.Parse(s.url); err == nil && u.Host != "" {
		return u.Host + u.Path
	}
	return s.url
}

func (s *TextListScraper) Scrape(ctx context.Context) ([]model.RawRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	body, err := get(ctx, s.client, s.Name(), s.url, "text/plain")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	records := ParseTextList(bufio.NewScanner(body), s.defaultScheme, s.Name())
	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("Scrape finished.")
	return records, nil
}

// ParseTextList 将文本行解析为原始记录。空行与 # 注释被跳过，其余留给规范化阶段校验。
func ParseTextList(scanner *bufio.Scanner, defaultScheme, source string) []model.RawRecord {
	var records []model.RawRecord
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			line = fields[0]
		}
		if !strings.Contains(line, "://") {
			line = fmt.Sprintf("%s://%s", defaultScheme, line)
		}
		records = append(records, model.RawRecord{
			Proxy:    line,
			Protocol: defaultScheme,
			Source:   source,
		})
	}
	return records
}
