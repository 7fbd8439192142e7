package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
)

// ProxiflyScraper 读取 proxifly 发布的 JSON 代理列表。
type ProxiflyScraper struct {
	client *http.Client
	url    string
}

func NewProxiflyScraper(url string) Scraper {
	return &ProxiflyScraper{
		client: &http.Client{},
		url:    url,
	}
}

func (s *ProxiflyScraper) Name() string {
	return "proxifly"
}

func (s *ProxiflyScraper) Scrape(ctx context.Context) ([]model.RawRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	body, err := get(ctx, s.client, s.Name(), s.url, "application/json")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var records []model.RawRecord
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		return nil, fmt.Errorf("invalid proxifly payload: %w", err)
	}
	for i := range records {
		records[i].Source = s.Name()
	}

	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("Scrape finished.")
	return records, nil
}
