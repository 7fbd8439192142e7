// Package applier 把选中的代理写入出站网络配置并记录当前选择。
package applier

import (
	"context"
	"fmt"
	"sync"

	"proxyswitch/internal/netconf"
	"proxyswitch/internal/shared/globalstate"
	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/storage"
)

// Snapshot 是切换前的网络配置以及当时生效的代理。
type Snapshot struct {
	Config netconf.Config
	Active *model.ProxyDescriptor
}

// Empty 报告快照是否不含可恢复的代理配置。
func (s *Snapshot) Empty() bool {
	return s == nil || s.Config.Mode != netconf.ModeFixedServers || s.Config.Validate() != nil
}

// Applier 是当前选择的唯一修改者。
type Applier struct {
	ctrl  netconf.Controller
	store storage.Storage
	badge *globalstate.Badge

	mu     sync.RWMutex
	active *model.ProxyDescriptor
}

// New 创建 Applier。badge 为 nil 时使用 globalstate.GlobalBadge。
func New(ctrl netconf.Controller, store storage.Storage, badge *globalstate.Badge) *Applier {
	if badge == nil {
		badge = globalstate.GlobalBadge
	}
	return &Applier{ctrl: ctrl, store: store, badge: badge}
}

// Load 根据网络配置和持久化记录恢复当前选择。
func (a *Applier) Load(ctx context.Context) error {
	cfg, err := a.ctrl.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read network config: %w", err)
	}
	var stored *model.ProxyDescriptor
	if found, err := a.store.Load(ctx, storage.KeyActiveProxy, &stored); err != nil {
		logger.WithComponent("Applier").Warn().Err(err).Msg("Failed to load stored active proxy.")
		stored = nil
	} else if !found {
		stored = nil
	}

	derived, ok := netconf.ActiveFrom(cfg)
	if !ok {
		// 网络层为直连但有持久化的选择时(进程重启)，重新应用
		if stored != nil {
			if err := a.ctrl.Set(ctx, netconf.ConfigFor(*stored)); err != nil {
				logger.WithComponent("Applier").Warn().Err(err).Str("proxy", stored.ID).Msg("Failed to re-apply stored proxy, starting direct.")
				a.setActive(ctx, nil, true)
				return nil
			}
			a.setActive(ctx, stored, false)
			logger.WithComponent("Applier").Info().Str("proxy", stored.ID).Msg("Stored proxy re-applied.")
			return nil
		}
		a.setActive(ctx, nil, false)
		return nil
	}

	if stored != nil && stored.ID == derived.ID {
		derived = *stored
	}
	a.setActive(ctx, &derived, false)
	return nil
}

// Apply 把 d 设为出站代理。网络层拒绝时返回包装了 netconf.ErrRejected 的错误，当前状态不变。
func (a *Applier) Apply(ctx context.Context, d model.ProxyDescriptor) error {
	if err := a.ctrl.Set(ctx, netconf.ConfigFor(d)); err != nil {
		return fmt.Errorf("apply %s: %w", d.ID, err)
	}
	a.setActive(ctx, &d, true)
	logger.WithComponent("Applier").Info().Str("proxy", d.ID).Msg("Proxy applied.")
	return nil
}

// Disable 清除代理配置。
func (a *Applier) Disable(ctx context.Context) error {
	if err := a.ctrl.Clear(ctx); err != nil {
		return fmt.Errorf("disable proxy: %w", err)
	}
	a.setActive(ctx, nil, true)
	logger.WithComponent("Applier").Info().Msg("Proxy disabled.")
	return nil
}

// Snapshot 捕获当前配置。
func (a *Applier) Snapshot(ctx context.Context) (*Snapshot, error) {
	cfg, err := a.ctrl.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot network config: %w", err)
	}
	snap := &Snapshot{Config: cfg}
	if active, ok := a.Active(); ok {
		snap.Active = &active
	}
	return snap, nil
}

// Restore 重新应用快照；空快照等同于 Disable。
func (a *Applier) Restore(ctx context.Context, snap *Snapshot) error {
	if snap.Empty() {
		return a.Disable(ctx)
	}
	if err := a.ctrl.Set(ctx, snap.Config); err != nil {
		return fmt.Errorf("restore network config: %w", err)
	}

	active := snap.Active
	if active == nil {
		if derived, ok := netconf.ActiveFrom(snap.Config); ok {
			active = &derived
		}
	}
	a.setActive(ctx, active, true)
	logger.WithComponent("Applier").Info().Msg("Previous network config restored.")
	return nil
}

// Active 返回当前生效的代理。
func (a *Applier) Active() (model.ProxyDescriptor, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return model.ProxyDescriptor{}, false
	}
	return *a.active, true
}

func (a *Applier) setActive(ctx context.Context, d *model.ProxyDescriptor, persist bool) {
	a.mu.Lock()
	a.active = d
	a.mu.Unlock()

	if persist {
		if err := a.store.Save(ctx, storage.KeyActiveProxy, d); err != nil {
			logger.WithComponent("Applier").Error().Err(err).Msg("Failed to persist active proxy.")
		}
	}
	a.badge.Set(d != nil)
}
