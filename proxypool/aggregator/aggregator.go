// Package aggregator 并发抓取多个代理源并合并去重。
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/normalizer"
	"proxyswitch/proxypool/scraper"
)

// ErrAllFeedsFailed 表示本轮所有代理源都失败。
var ErrAllFeedsFailed = errors.New("all proxy feeds failed")

// FeedResult 记录单个代理源的抓取结果。
type FeedResult struct {
	Source   string
	Records  int
	Accepted int
	Dropped  int
	Err      error
}

// Result 是一轮聚合的输出。
type Result struct {
	Proxies []model.ProxyDescriptor
	Feeds   []FeedResult
}

// Failed 返回失败的代理源数量。
func (r Result) Failed() int {
	n := 0
	for _, f := range r.Feeds {
		if f.Err != nil {
			n++
		}
	}
	return n
}

type Aggregator struct {
	scrapers    []scraper.Scraper
	feedTimeout time.Duration
	concurrency int
}

func New(feedTimeout time.Duration, concurrency int, scrapers ...scraper.Scraper) *Aggregator {
	if concurrency <= 0 {
		concurrency = len(scrapers)
	}
	return &Aggregator{
		scrapers:    scrapers,
		feedTimeout: feedTimeout,
		concurrency: concurrency,
	}
}

// Collect 并发抓取所有代理源，等待全部结束后规范化并去重。
// 单个代理源失败只记录日志；仅当全部失败时返回 ErrAllFeedsFailed。
func (a *Aggregator) Collect(ctx context.Context) (Result, error) {
	l := logger.WithComponent("ProxyPool/Aggregator")
	if len(a.scrapers) == 0 {
		return Result{}, fmt.Errorf("%w: no feeds configured", ErrAllFeedsFailed)
	}

	batches := make([][]model.ProxyDescriptor, len(a.scrapers))
	feeds := make([]FeedResult, len(a.scrapers))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, s := range a.scrapers {
		g.Go(func() error {
			feedCtx := ctx
			if a.feedTimeout > 0 {
				var cancel context.CancelFunc
				feedCtx, cancel = context.WithTimeout(ctx, a.feedTimeout)
				defer cancel()
			}

			feeds[i].Source = s.Name()
			records, err := s.Scrape(feedCtx)
			if err != nil {
				feeds[i].Err = err
				l.Warn().Err(err).Str("source", s.Name()).Msg("Feed failed.")
				return nil
			}
			for j := range records {
				if records[j].Source == "" {
					records[j].Source = s.Name()
				}
			}
			normalized, dropped := normalizer.NormalizeAll(records)
			feeds[i].Records = len(records)
			feeds[i].Accepted = len(normalized)
			feeds[i].Dropped = dropped
			batches[i] = normalized
			l.Debug().Str("source", s.Name()).Int("records", len(records)).Int("dropped", dropped).Msg("Feed finished.")
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Feeds: feeds}
	if result.Failed() == len(a.scrapers) {
		reasons := make([]string, 0, len(feeds))
		for _, f := range feeds {
			reasons = append(reasons, fmt.Sprintf("%s: %v", f.Source, f.Err))
		}
		return result, fmt.Errorf("%w (%s)", ErrAllFeedsFailed, strings.Join(reasons, "; "))
	}

	merged := make([]model.ProxyDescriptor, 0)
	for _, b := range batches {
		merged = append(merged, b...)
	}
	result.Proxies = Dedupe(merged)

	l.Info().
		Int("feeds", len(feeds)).
		Int("failed_feeds", result.Failed()).
		Int("merged", len(merged)).
		Int("unique", len(result.Proxies)).
		Msg("Aggregation finished.")
	return result, nil
}

// Dedupe 按 ID 去重，保留首次出现的位置，冲突时用 Prefer 决定保留哪条。
func Dedupe(list []model.ProxyDescriptor) []model.ProxyDescriptor {
	index := make(map[string]int, len(list))
	out := make([]model.ProxyDescriptor, 0, len(list))
	for _, p := range list {
		if i, ok := index[p.ID]; ok {
			if Prefer(p, out[i]) {
				out[i] = p
			}
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// Prefer 报告 candidate 是否应取代 current：
// 已知国家优先，其次分数高者，再次支持 HTTPS 者。完全相同时保留 current。
func Prefer(candidate, current model.ProxyDescriptor) bool {
	candKnown := normalizer.IsKnownCountry(candidate.Country)
	curKnown := normalizer.IsKnownCountry(current.Country)
	if candKnown != curKnown {
		return candKnown
	}
	if candidate.Score != current.Score {
		return candidate.Score > current.Score
	}
	return candidate.SupportsHTTPS && !current.SupportsHTTPS
}
