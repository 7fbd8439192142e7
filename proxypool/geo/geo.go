// Package geo 使用本地 MaxMind 国家库为缺少地理信息的代理补全国家码。
package geo

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/normalizer"
)

// Lookup 将 IP 映射为 ISO 国家码，查不到返回空串。
type Lookup interface {
	Country(ip net.IP) string
}

type Enricher struct {
	lookup Lookup
	closer func() error
}

// Open 打开 MaxMind 数据库；path 为空时返回不做任何补全的 Enricher。
func Open(path string) (*Enricher, error) {
	if path == "" {
		return &Enricher{}, nil
	}
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Enricher{lookup: maxmindLookup{reader: r}, closer: r.Close}, nil
}

// NewEnricher 用任意 Lookup 构造 Enricher。
func NewEnricher(lookup Lookup) *Enricher {
	return &Enricher{lookup: lookup}
}

func (e *Enricher) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer()
}

// Enrich 仅对国家未知且主机为 IP 字面量的条目补全国家码，返回补全数量。
// 输入切片不会被修改。
func (e *Enricher) Enrich(list []model.ProxyDescriptor) ([]model.ProxyDescriptor, int) {
	if e == nil || e.lookup == nil {
		return list, 0
	}
	out := make([]model.ProxyDescriptor, len(list))
	filled := 0
	for i, p := range list {
		out[i] = p
		if normalizer.IsKnownCountry(p.Country) {
			continue
		}
		ip := net.ParseIP(p.Host)
		if ip == nil {
			continue
		}
		code := e.lookup.Country(ip)
		if !normalizer.IsKnownCountry(code) {
			continue
		}
		out[i] = p.WithCountry(normalizer.NormalizeCountry(code), "")
		filled++
	}
	return out, filled
}

type maxmindLookup struct {
	reader *geoip2.Reader
}

func (m maxmindLookup) Country(ip net.IP) string {
	record, err := m.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}
