package switcher

import (
	"context"
	"time"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/settings"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/ranker"
)

// DashboardQuery 的零值字段使用已保存的偏好。
type DashboardQuery struct {
	Protocol string
	Limit    int
	Refresh  bool
}

// Dashboard 是仪表盘展示所需的数据。
type Dashboard struct {
	Proxies               []model.ProxyDescriptor `json:"proxies"`
	TotalFiltered         int                     `json:"totalFiltered"`
	TotalProtocolFiltered int                     `json:"totalProtocolFiltered"`
	TotalAll              int                     `json:"totalAll"`
	UpdatedAt             time.Time               `json:"updatedAt"`
	FromCache             bool                    `json:"fromCache"`
	SelectedProtocol      string                  `json:"selectedProtocol"`
	SelectedLimit         int                     `json:"selectedLimit"`
	ActiveProxy           *model.ProxyDescriptor  `json:"activeProxy"`
	Blacklisted           int                     `json:"blacklisted"`
	CountryPreset         []string                `json:"countryPreset"`
}

// GetDashboardData 返回筛选后的代理列表和当前状态，并保存本次使用的协议和数量。
func (o *Orchestrator) GetDashboardData(ctx context.Context, q DashboardQuery) (*Dashboard, error) {
	prefs := o.prefs.Get()
	if q.Protocol != "" {
		prefs.Protocol = q.Protocol
	}
	if q.Limit != 0 {
		prefs.Limit = q.Limit
	}
	prefs, err := o.prefs.Update(ctx, prefs)
	if err != nil {
		logger.WithComponent("Switcher").Warn().Err(err).Msg("Failed to save dashboard prefs.")
	}

	cache, err := o.source.List(ctx, q.Refresh)
	if err != nil {
		return nil, sourceError(err)
	}

	protocolFiltered := ranker.FilterProtocol(cache.List, prefs.Protocol)
	regionFiltered := o.opts.Region.Filter(protocolFiltered)
	shown := regionFiltered
	if len(shown) > prefs.Limit {
		shown = shown[:prefs.Limit]
	}

	d := &Dashboard{
		Proxies:               shown,
		TotalFiltered:         len(regionFiltered),
		TotalProtocolFiltered: len(protocolFiltered),
		TotalAll:              len(cache.List),
		UpdatedAt:             cache.UpdatedAt,
		FromCache:             cache.FromCache,
		SelectedProtocol:      prefs.Protocol,
		SelectedLimit:         prefs.Limit,
		Blacklisted:           o.blacklist.Len(),
		CountryPreset:         o.opts.Region.Preset(),
	}
	if active, ok := o.applier.Active(); ok {
		d.ActiveProxy = &active
	}
	return d, nil
}

// SavePrefs 保存仪表盘偏好。
func (o *Orchestrator) SavePrefs(ctx context.Context, prefs settings.UIPrefs) (settings.UIPrefs, error) {
	return o.prefs.Update(ctx, prefs)
}
