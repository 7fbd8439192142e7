package model

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"
)

// 支持的代理协议。
const (
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeSOCKS4 = "socks4"
	SchemeSOCKS5 = "socks5"
)

// 匿名等级，按从高到低排列。
const (
	AnonymityElite       = "elite"
	AnonymityAnonymous   = "anonymous"
	AnonymityTransparent = "transparent"
	AnonymityUnknown     = "unknown"
)

const (
	UnknownCountry = "ZZ"
	UnknownCity    = "Unknown"
)

// ProxyDescriptor 是规范化后的代理描述，生成后不再修改。
// ID 由 scheme/host/port 重新计算，同一 ID 即同一网络端点。
type ProxyDescriptor struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	Scheme        string  `json:"scheme"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	Protocol      string  `json:"protocol"`
	SupportsHTTPS bool    `json:"supportsHttps"`
	Anonymity     string  `json:"anonymity"`
	Score         float64 `json:"score"`
	Country       string  `json:"country"`
	City          string  `json:"city"`
	Source        string  `json:"source,omitempty"`
}

// WithCountry 返回替换了地理信息的副本。
func (p ProxyDescriptor) WithCountry(country, city string) ProxyDescriptor {
	p.Country = country
	if city != "" {
		p.City = city
	}
	return p
}

// Endpoint 返回 "host:port"，IPv6 字面量会加方括号。
func (p ProxyDescriptor) Endpoint() string {
	host := p.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(p.Port)
}

// CanonicalHost 返回主机的规范形式：小写，IP 字面量转为标准写法(IPv6 压缩零段)。
func CanonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// CanonicalID 计算端点唯一标识 scheme://host:port。
func CanonicalID(scheme, host string, port int) string {
	d := ProxyDescriptor{Host: CanonicalHost(host), Port: port}
	return scheme + "://" + d.Endpoint()
}

// AnonymityRank 返回匿名等级的排序权重，未知为 0。
func AnonymityRank(level string) int {
	switch strings.ToLower(level) {
	case AnonymityElite:
		return 3
	case AnonymityAnonymous:
		return 2
	case AnonymityTransparent:
		return 1
	default:
		return 0
	}
}

// Geolocation 是代理源上报的地理信息。
type Geolocation struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// RawRecord 是代理源返回的一条原始记录，字段均可能缺失或格式错误。
// Port 与 Score 保留原始 JSON，以便区分缺失与非法值。
type RawRecord struct {
	Proxy       string          `json:"proxy"`
	Protocol    string          `json:"protocol"`
	IP          string          `json:"ip"`
	Port        json.RawMessage `json:"port,omitempty"`
	HTTPS       bool            `json:"https"`
	Anonymity   string          `json:"anonymity"`
	Score       json.RawMessage `json:"score,omitempty"`
	Geolocation *Geolocation    `json:"geolocation,omitempty"`

	// Source 由抓取器填写，不来自 JSON。
	Source string `json:"-"`
}

// Cache 是合并、排序后的代理列表快照。
type Cache struct {
	List      []ProxyDescriptor `json:"list"`
	UpdatedAt time.Time         `json:"updatedAt"`
	FromCache bool              `json:"fromCache"`
}
