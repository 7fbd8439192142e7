// Package switcher 把代理缓存、筛选、黑名单、应用与验证串成切换流程。
package switcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proxyswitch/internal/core/applier"
	"proxyswitch/internal/core/verifier"
	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/settings"
	"proxyswitch/internal/shared/types"
	manager "proxyswitch/proxypool"
	"proxyswitch/proxypool/aggregator"
	"proxyswitch/proxypool/blacklist"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/normalizer"
	"proxyswitch/proxypool/ranker"
	"proxyswitch/proxypool/storage"
)

const (
	ModeSmart    = "smart"
	ModeRandom   = "random"
	ModeNext     = "next"
	ModeExplicit = "explicit"

	DefaultMaxAttempts = 15
)

// ProxySource 提供合并排序后的代理列表。
type ProxySource interface {
	List(ctx context.Context, refresh bool) (model.Cache, error)
}

// Applier 修改当前生效的代理。
type Applier interface {
	Apply(ctx context.Context, d model.ProxyDescriptor) error
	Disable(ctx context.Context) error
	Snapshot(ctx context.Context) (*applier.Snapshot, error)
	Restore(ctx context.Context, snap *applier.Snapshot) error
	Active() (model.ProxyDescriptor, bool)
}

// Verifier 通过当前代理做在线检查。
type Verifier interface {
	CheckPublicIP(ctx context.Context, timeout time.Duration) (verifier.IPResult, error)
	CheckReachablePage(ctx context.Context, pageURL string, timeout time.Duration, expectedHost string, statuses []int) (verifier.PageResult, error)
}

// Options 是编排器的可调参数。
type Options struct {
	MaxAttempts      int
	IPCheckTimeout   time.Duration
	PageCheckTimeout time.Duration
	PageURL          string
	PageExpectHost   string
	PageStatuses     []int
	Region           *ranker.Region
	// Intn 返回 [0, n) 内的随机数，测试可替换。
	Intn func(n int) int
}

// OptionsFromConfig 从配置文件构造 Options。
func OptionsFromConfig(cfg *types.Config) Options {
	return Options{
		MaxAttempts:      cfg.SwitchConf.MaxAttempts,
		IPCheckTimeout:   time.Duration(cfg.SwitchConf.IPCheckTimeoutMs) * time.Millisecond,
		PageCheckTimeout: time.Duration(cfg.SwitchConf.PageCheckTimeoutMs) * time.Millisecond,
		PageURL:          cfg.SwitchConf.PageCheckURL,
		PageExpectHost:   cfg.SwitchConf.PageCheckExpectHost,
		PageStatuses:     cfg.SwitchConf.PageCheckStatusCodes,
		Region:           ranker.NewRegion(cfg.PoolConf.PreferredCountries),
	}
}

// Result 是一次成功切换的结果和诊断信息。
type Result struct {
	Proxy         model.ProxyDescriptor `json:"proxy"`
	Mode          string                `json:"mode"`
	RunID         string                `json:"runId,omitempty"`
	Attempts      int                   `json:"attempts"`
	Candidates    int                   `json:"candidates"`
	Blocked       int                   `json:"blocked"`
	ExcludedNoTLS int                   `json:"excludedNoTls"`
	Index         int                   `json:"index,omitempty"`
	PublicIP      *verifier.IPResult    `json:"publicIp,omitempty"`
	Page          *verifier.PageResult  `json:"page,omitempty"`
	Failures      []Failure             `json:"failures,omitempty"`
}

// Orchestrator 串行执行所有会修改当前代理的操作。
type Orchestrator struct {
	source    ProxySource
	applier   Applier
	verifier  Verifier
	blacklist *blacklist.Store
	prefs     *settings.Manager
	store     storage.Storage
	opts      Options

	// mu 保证同一时间只有一个 应用+验证 周期
	mu sync.Mutex
}

func New(source ProxySource, ap Applier, v Verifier, bl *blacklist.Store, prefs *settings.Manager, store storage.Storage, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Region == nil {
		opts.Region = ranker.NewRegion([]string{"US", "GB", "FR"})
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	return &Orchestrator{
		source:    source,
		applier:   ap,
		verifier:  v,
		blacklist: bl,
		prefs:     prefs,
		store:     store,
		opts:      opts,
	}
}

// pool 是一次筛选后可供选择的候选。
type pool struct {
	selection ranker.Selection
	allowed   []model.ProxyDescriptor
	blocked   []model.ProxyDescriptor
}

// candidates 加载缓存并执行 协议 → 地区 → TLS → 黑名单 筛选。
func (o *Orchestrator) candidates(ctx context.Context, protocol string) (pool, error) {
	cache, err := o.source.List(ctx, false)
	if err != nil {
		return pool{}, sourceError(err)
	}

	protocol = ranker.NormalizeProtocol(protocol)
	sel := ranker.Select(cache.List, protocol, o.opts.Region)
	if len(sel.Candidates) == 0 {
		return pool{}, &Error{
			Kind:   KindNoCandidates,
			Reason: fmt.Sprintf("no candidates for protocol %q in preferred region (%s)", protocol, strings.Join(o.opts.Region.Preset(), ", ")),
		}
	}

	allowed, blocked := o.blacklist.Split(sel.Candidates)
	if len(allowed) == 0 {
		return pool{}, &Error{
			Kind:          KindAllBlacklisted,
			Reason:        fmt.Sprintf("all %d candidates are temporarily blacklisted; retry after the blacklist window or refresh the proxy list", len(blocked)),
			Blocked:       len(blocked),
			ExcludedNoTLS: sel.ExcludedNoTLS,
		}
	}
	return pool{selection: sel, allowed: allowed, blocked: blocked}, nil
}

func sourceError(err error) error {
	if errors.Is(err, manager.ErrNoValidProxies) {
		return &Error{Kind: KindNoCandidates, Reason: "feeds returned no usable proxies", Err: err}
	}
	if errors.Is(err, aggregator.ErrAllFeedsFailed) {
		return &Error{Kind: KindAllFeedsFailed, Reason: "all proxy feeds failed: " + err.Error(), Err: err}
	}
	return &Error{Kind: KindAllFeedsFailed, Reason: "failed to load proxy list: " + err.Error(), Err: err}
}

// SmartSwitch 按排名依次尝试候选，直到某个代理通过公网 IP 和页面检查。
// 全部失败时恢复切换前的配置。
func (o *Orchestrator) SmartSwitch(ctx context.Context, protocol string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	runID := uuid.NewString()
	l := logger.WithComponent("Switcher").With().Str("run_id", runID).Logger()

	snap, err := o.applier.Snapshot(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to capture network config, smart switch aborted.")
		return nil, &Error{
			Kind:   KindApplyRejected,
			Reason: "cannot capture the current network configuration, nothing was changed: " + err.Error(),
			Err:    err,
		}
	}

	p, err := o.candidates(ctx, protocol)
	if err != nil {
		l.Warn().Err(err).Str("kind", string(KindOf(err))).Msg("Smart switch aborted before any attempt.")
		return nil, err
	}

	attempts := p.allowed
	if len(attempts) > o.opts.MaxAttempts {
		attempts = attempts[:o.opts.MaxAttempts]
	}
	l.Info().Int("candidates", len(p.allowed)).Int("blocked", len(p.blocked)).Int("excluded_no_tls", p.selection.ExcludedNoTLS).Int("budget", len(attempts)).Msg("Smart switch started.")

	var failures []Failure
	var cancelErr error
	for i, c := range attempts {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}

		res, failure := o.try(ctx, c)
		if failure != nil {
			failures = append(failures, *failure)
			o.blacklist.Mark(ctx, c.ID, failure.Stage+": "+failure.Reason)
			l.Warn().Int("attempt", i+1).Str("proxy_id", c.ID).Str("stage", failure.Stage).Str("reason", failure.Reason).Msg("Candidate failed.")
			continue
		}

		o.blacklist.Clear(ctx, c.ID)
		res.Mode = ModeSmart
		res.RunID = runID
		res.Attempts = i + 1
		res.Candidates = len(p.allowed)
		res.Blocked = len(p.blocked)
		res.ExcludedNoTLS = p.selection.ExcludedNoTLS
		res.Failures = failures
		l.Info().Int("attempts", res.Attempts).Str("proxy_id", c.ID).Str("ip", res.PublicIP.IP).Msg("Smart switch succeeded.")
		return res, nil
	}

	// 恢复时不受调用方取消的影响
	if err := o.applier.Restore(context.WithoutCancel(ctx), snap); err != nil {
		l.Error().Err(err).Msg("Failed to restore previous network config.")
	}
	n := len(failures)
	reason := fmt.Sprintf("all %d attempts failed; previous configuration restored", n)
	if cancelErr != nil {
		reason = fmt.Sprintf("cancelled after %d attempts (%v); previous configuration restored", n, cancelErr)
	}
	l.Warn().Int("attempts", n).AnErr("cancel", cancelErr).Msg("Smart switch exhausted, previous config restored.")
	return nil, &Error{
		Kind:          KindExhaustedRetries,
		Reason:        reason,
		Attempts:      n,
		Blocked:       len(p.blocked),
		ExcludedNoTLS: p.selection.ExcludedNoTLS,
		Failures:      failures,
		Err:           cancelErr,
	}
}

// try 应用并验证单个候选。
func (o *Orchestrator) try(ctx context.Context, c model.ProxyDescriptor) (*Result, *Failure) {
	if err := o.applier.Apply(ctx, c); err != nil {
		return nil, &Failure{ProxyID: c.ID, Stage: "apply", Reason: err.Error()}
	}
	ip, err := o.verifier.CheckPublicIP(ctx, o.opts.IPCheckTimeout)
	if err != nil {
		return nil, &Failure{ProxyID: c.ID, Stage: "ip", Reason: err.Error()}
	}
	page, err := o.verifier.CheckReachablePage(ctx, o.opts.PageURL, o.opts.PageCheckTimeout, o.opts.PageExpectHost, o.opts.PageStatuses)
	if err != nil {
		return nil, &Failure{ProxyID: c.ID, Stage: "page", Reason: err.Error()}
	}
	return &Result{Proxy: c, PublicIP: &ip, Page: &page}, nil
}

// ChooseRandom 在可用候选中随机应用一个，不做验证。
// 有多个候选时避免重复选中当前代理。
func (o *Orchestrator) ChooseRandom(ctx context.Context, protocol string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.candidates(ctx, protocol)
	if err != nil {
		return nil, err
	}

	idx := o.opts.Intn(len(p.allowed))
	if active, ok := o.applier.Active(); ok && len(p.allowed) > 1 && p.allowed[idx].ID == active.ID {
		idx = (idx + 1) % len(p.allowed)
	}
	return o.applySingle(ctx, ModeRandom, p, idx)
}

// ChooseNext 按协议维护持久化的轮转游标，依次应用候选。
func (o *Orchestrator) ChooseNext(ctx context.Context, protocol string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.candidates(ctx, protocol)
	if err != nil {
		return nil, err
	}

	key := ranker.NormalizeProtocol(protocol)
	cursors := o.loadCursors(ctx)
	start := cursors[key] % len(p.allowed)
	if start < 0 {
		start = 0
	}
	// 先推进游标，应用失败时下次也不会卡在同一个候选上
	cursors[key] = (start + 1) % len(p.allowed)
	if err := o.store.Save(ctx, storage.KeyNextIndexByProtocol, cursors); err != nil {
		logger.WithComponent("Switcher").Error().Err(err).Msg("Failed to persist round-robin cursor.")
	}

	return o.applySingle(ctx, ModeNext, p, start)
}

func (o *Orchestrator) loadCursors(ctx context.Context) map[string]int {
	cursors := make(map[string]int)
	if _, err := o.store.Load(ctx, storage.KeyNextIndexByProtocol, &cursors); err != nil {
		logger.WithComponent("Switcher").Warn().Err(err).Msg("Failed to load round-robin cursors, starting over.")
		return make(map[string]int)
	}
	if cursors == nil {
		cursors = make(map[string]int)
	}
	return cursors
}

func (o *Orchestrator) applySingle(ctx context.Context, mode string, p pool, idx int) (*Result, error) {
	c := p.allowed[idx]
	if err := o.applier.Apply(ctx, c); err != nil {
		return nil, &Error{Kind: KindApplyRejected, Reason: err.Error(), Err: err}
	}
	logger.WithComponent("Switcher").Info().Str("mode", mode).Str("proxy_id", c.ID).Int("index", idx).Msg("Proxy switched without verification.")
	return &Result{
		Proxy:         c,
		Mode:          mode,
		Attempts:      1,
		Candidates:    len(p.allowed),
		Blocked:       len(p.blocked),
		ExcludedNoTLS: p.selection.ExcludedNoTLS,
		Index:         idx,
	}, nil
}

// ApplyExplicit 应用调用方指定的代理。描述会被重新规范化。
func (o *Orchestrator) ApplyExplicit(ctx context.Context, d model.ProxyDescriptor) (*Result, error) {
	normalized, err := normalizer.Renormalize(d)
	if err != nil {
		return nil, &Error{Kind: KindMalformedRecord, Reason: err.Error(), Err: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.applier.Apply(ctx, normalized); err != nil {
		return nil, &Error{Kind: KindApplyRejected, Reason: err.Error(), Err: err}
	}
	return &Result{Proxy: normalized, Mode: ModeExplicit, Attempts: 1}, nil
}

// Disable 关闭代理。
func (o *Orchestrator) Disable(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.applier.Disable(ctx); err != nil {
		return &Error{Kind: KindApplyRejected, Reason: err.Error(), Err: err}
	}
	return nil
}

// CheckIP 通过当前配置查询公网 IP。
func (o *Orchestrator) CheckIP(ctx context.Context) (verifier.IPResult, error) {
	ip, err := o.verifier.CheckPublicIP(ctx, o.opts.IPCheckTimeout)
	if err != nil {
		return ip, &Error{Kind: KindVerificationFailed, Reason: err.Error(), Err: err}
	}
	return ip, nil
}
