// Package ranker 对代理列表排序并按协议、地区与 TLS 能力筛选候选。
package ranker

import (
	"slices"
	"strings"

	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/normalizer"
)

const ProtocolAll = "all"

// Sort 返回按 分数降序 → 匿名等级降序 → HTTPS 支持 → ID 升序 排列的新切片。
// ID 唯一时该顺序是全序，结果与输入顺序无关。
func Sort(list []model.ProxyDescriptor) []model.ProxyDescriptor {
	out := slices.Clone(list)
	slices.SortStableFunc(out, compare)
	return out
}

func compare(a, b model.ProxyDescriptor) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	if ra, rb := model.AnonymityRank(a.Anonymity), model.AnonymityRank(b.Anonymity); ra != rb {
		return rb - ra
	}
	if a.SupportsHTTPS != b.SupportsHTTPS {
		if a.SupportsHTTPS {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// NormalizeProtocol 小写并将空值视为 all。
func NormalizeProtocol(protocol string) string {
	value := strings.ToLower(strings.TrimSpace(protocol))
	if value == "" {
		return ProtocolAll
	}
	return value
}

// FilterProtocol 保留 protocol 或 scheme 与请求值相同的条目。
func FilterProtocol(list []model.ProxyDescriptor, protocol string) []model.ProxyDescriptor {
	value := NormalizeProtocol(protocol)
	if value == ProtocolAll {
		return list
	}
	out := make([]model.ProxyDescriptor, 0, len(list))
	for _, p := range list {
		if p.Protocol == value || p.Scheme == value {
			out = append(out, p)
		}
	}
	return out
}

// Region 是首选国家白名单，包含别名。
type Region struct {
	preset  []string
	allowed map[string]struct{}
}

// NewRegion 由国家码列表构造白名单；GB 自动接受别名 UK。
func NewRegion(countries []string) *Region {
	r := &Region{allowed: make(map[string]struct{})}
	for _, c := range countries {
		code := normalizer.NormalizeCountry(c)
		if !normalizer.IsKnownCountry(code) {
			continue
		}
		if _, dup := r.allowed[code]; !dup {
			r.preset = append(r.preset, code)
		}
		r.allowed[code] = struct{}{}
		if code == "GB" {
			r.allowed["UK"] = struct{}{}
		}
	}
	return r
}

// Preset 返回白名单中的规范国家码。
func (r *Region) Preset() []string {
	return slices.Clone(r.preset)
}

// Allows 报告国家码是否在白名单内。
func (r *Region) Allows(country string) bool {
	_, ok := r.allowed[normalizer.NormalizeCountry(country)]
	return ok
}

// Filter 保留国家在白名单内的条目。
func (r *Region) Filter(list []model.ProxyDescriptor) []model.ProxyDescriptor {
	out := make([]model.ProxyDescriptor, 0, len(list))
	for _, p := range list {
		if r.Allows(p.Country) {
			out = append(out, p)
		}
	}
	return out
}

// CanLikelyHandleHTTPS 判断代理是否可能承载 HTTPS 隧道。
func CanLikelyHandleHTTPS(p model.ProxyDescriptor) bool {
	switch p.Scheme {
	case model.SchemeHTTPS, model.SchemeSOCKS4, model.SchemeSOCKS5:
		return true
	case model.SchemeHTTP:
		return p.SupportsHTTPS
	default:
		return false
	}
}

// Selection 是一次筛选的结果。
type Selection struct {
	ProtocolFiltered []model.ProxyDescriptor
	RegionFiltered   []model.ProxyDescriptor
	Candidates       []model.ProxyDescriptor
	ExcludedNoTLS    int
}

// Select 依次执行协议、地区、TLS 能力筛选。
// TLS 筛选若会清空候选则跳过，返回地区筛选结果且 ExcludedNoTLS 为 0；
// 这种情况下候选中可能包含不支持 TLS 的代理，调用方宁可得到代理也不要空列表。
func Select(list []model.ProxyDescriptor, protocol string, region *Region) Selection {
	protocolFiltered := FilterProtocol(list, protocol)
	regionFiltered := region.Filter(protocolFiltered)

	capable := make([]model.ProxyDescriptor, 0, len(regionFiltered))
	for _, p := range regionFiltered {
		if CanLikelyHandleHTTPS(p) {
			capable = append(capable, p)
		}
	}

	sel := Selection{
		ProtocolFiltered: protocolFiltered,
		RegionFiltered:   regionFiltered,
	}
	if len(capable) == 0 {
		sel.Candidates = regionFiltered
		return sel
	}
	sel.Candidates = capable
	sel.ExcludedNoTLS = len(regionFiltered) - len(capable)
	return sel
}
