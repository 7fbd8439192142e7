package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
)

// HTMLTableScraper 抓取以 HTML 表格发布的代理列表。
// 约定列顺序: IP | 端口 | 协议 | 国家码，缺少协议列时使用 defaultScheme。
type HTMLTableScraper struct {
	client        *http.Client
	url           string
	rowSelector   string
	defaultScheme string
}

func NewHTMLTableScraper(pageURL, rowSelector, defaultScheme string) Scraper {
	if rowSelector == "" {
		rowSelector = "table tbody tr"
	}
	if defaultScheme == "" {
		defaultScheme = model.SchemeHTTP
	}
	return &HTMLTableScraper{
		client:        &http.Client{},
		url:           pageURL,
		rowSelector:   rowSelector,
		defaultScheme: defaultScheme,
	}
}

func (s *HTMLTableScraper) Name() string {
	if u, err := url.Parse(s.url); err == nil && u.Host != "" {
		return u.Host
	}
	return s.url
}

func (s *HTMLTableScraper) Scrape(ctx context.Context) ([]model.RawRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	body, err := get(ctx, s.client, s.Name(), s.url, "text/html")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var records []model.RawRecord
	doc.Find(s.rowSelector).Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		portStr := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" || portStr == "" {
			return
		}

		protocol := strings.ToLower(strings.TrimSpace(cells.Eq(2).Text()))
		if protocol == "" {
			protocol = s.defaultScheme
		}
		country := strings.TrimSpace(cells.Eq(3).Text())

		rec := model.RawRecord{
			Proxy:    fmt.Sprintf("%s://%s", protocol, ip),
			Protocol: protocol,
			Port:     json.RawMessage(jsonString(portStr)),
			HTTPS:    protocol == model.SchemeHTTPS,
			Source:   s.Name(),
		}
		if country != "" {
			rec.Geolocation = &model.Geolocation{Country: country}
		}
		records = append(records, rec)
	})

	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("Scrape finished.")
	return records, nil
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
