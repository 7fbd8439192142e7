// Package netconf 管理进程的出站代理配置，相当于系统级的“网络代理设置”。
// 应用器通过 Controller 写入配置；验证器和本地网关通过 Manager 的拨号器走当前代理。
package netconf

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/normalizer"
)

const (
	ModeDirect       = "direct"
	ModeFixedServers = "fixed_servers"

	// LocalBypass 匹配不含点号的主机名。
	LocalBypass = "<local>"
)

// ErrRejected 表示配置被拒绝。
var ErrRejected = errors.New("proxy configuration rejected")

// DefaultBypassList 中的目标永远直连。
var DefaultBypassList = []string{LocalBypass, "localhost", "127.0.0.1"}

// ProxyServer 是单个上游代理。
type ProxyServer struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

type Rules struct {
	SingleProxy ProxyServer `json:"singleProxy"`
	BypassList  []string    `json:"bypassList"`
}

// Config 是一份完整的出站代理配置。Mode 为 direct 时 Rules 为空。
type Config struct {
	Mode  string `json:"mode"`
	Rules *Rules `json:"rules,omitempty"`
}

// Direct 返回直连配置。
func Direct() Config {
	return Config{Mode: ModeDirect}
}

// ConfigFor 把代理描述转换成固定代理配置。
func ConfigFor(d model.ProxyDescriptor) Config {
	return Config{
		Mode: ModeFixedServers,
		Rules: &Rules{
			SingleProxy: ProxyServer{Scheme: d.Scheme, Host: d.Host, Port: d.Port},
			BypassList:  append([]string(nil), DefaultBypassList...),
		},
	}
}

// ActiveFrom 从当前配置还原出生效中的代理。直连或配置不完整时返回 false。
// 还原出的描述只有身份字段，没有分数和国家。
func ActiveFrom(cfg Config) (model.ProxyDescriptor, bool) {
	if cfg.Mode != ModeFixedServers || cfg.Rules == nil {
		return model.ProxyDescriptor{}, false
	}
	sp := cfg.Rules.SingleProxy
	if sp.Host == "" || sp.Port == 0 {
		return model.ProxyDescriptor{}, false
	}
	scheme := normalizer.NormalizeScheme(sp.Scheme)
	if scheme == "" {
		scheme = model.SchemeHTTP
	}
	host := model.CanonicalHost(sp.Host)
	id := model.CanonicalID(scheme, host, sp.Port)
	return model.ProxyDescriptor{
		ID:       id,
		URL:      id,
		Scheme:   scheme,
		Host:     host,
		Port:     sp.Port,
		Protocol: scheme,
		Country:  model.UnknownCountry,
		City:     model.UnknownCity,
	}, true
}

// Validate 检查配置是否可以被应用。
func (c Config) Validate() error {
	switch c.Mode {
	case ModeDirect:
		return nil
	case ModeFixedServers:
		if c.Rules == nil {
			return fmt.Errorf("%w: fixed_servers without rules", ErrRejected)
		}
		sp := c.Rules.SingleProxy
		if !normalizer.IsSupportedScheme(normalizer.NormalizeScheme(sp.Scheme)) {
			return fmt.Errorf("%w: unsupported scheme %q", ErrRejected, sp.Scheme)
		}
		if sp.Host == "" {
			return fmt.Errorf("%w: empty host", ErrRejected)
		}
		if sp.Port < 1 || sp.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrRejected, sp.Port)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrRejected, c.Mode)
	}
}

// Bypassed 报告 host 是否命中绕过列表。
// 支持精确匹配、"*.example.com" 后缀、CIDR 以及 <local>。
func (r *Rules) Bypassed(host string) bool {
	if r == nil {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	ip := net.ParseIP(host)
	for _, rule := range r.BypassList {
		rule = strings.ToLower(strings.TrimSpace(rule))
		switch {
		case rule == "":
		case rule == LocalBypass:
			if ip == nil && !strings.Contains(host, ".") {
				return true
			}
		case strings.HasPrefix(rule, "*."):
			if strings.HasSuffix(host, rule[1:]) || host == rule[2:] {
				return true
			}
		case strings.Contains(rule, "/"):
			if _, cidr, err := net.ParseCIDR(rule); err == nil && ip != nil && cidr.Contains(ip) {
				return true
			}
		case rule == host:
			return true
		}
	}
	return false
}
