// Package normalizer 将异构的代理源记录转换为规范化的 ProxyDescriptor。
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"

	"proxyswitch/proxypool/model"
)

// ErrMalformed 表示记录无法规范化，调用方应丢弃该记录。
var ErrMalformed = errors.New("malformed proxy record")

var supportedSchemes = map[string]struct{}{
	model.SchemeHTTP:   {},
	model.SchemeHTTPS:  {},
	model.SchemeSOCKS4: {},
	model.SchemeSOCKS5: {},
}

// NormalizeScheme 折叠 socks 系列别名。
func NormalizeScheme(scheme string) string {
	raw := strings.ToLower(strings.TrimSpace(scheme))
	switch raw {
	case "socks", "socks5h":
		return model.SchemeSOCKS5
	case "socks4a", "socks4h":
		return model.SchemeSOCKS4
	default:
		return raw
	}
}

// IsSupportedScheme 报告 scheme 是否为四种支持的协议之一。
func IsSupportedScheme(scheme string) bool {
	_, ok := supportedSchemes[scheme]
	return ok
}

// NormalizeCountry 大写国家码并将 UK 映射为 GB，空值返回 ZZ。
func NormalizeCountry(code string) string {
	value := strings.ToUpper(strings.TrimSpace(code))
	switch value {
	case "":
		return model.UnknownCountry
	case "UK":
		return "GB"
	default:
		return value
	}
}

// IsKnownCountry 报告国家码是否为有效地理信息。
func IsKnownCountry(code string) bool {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "", model.UnknownCountry, "XX":
		return false
	default:
		return true
	}
}

// DefaultPort 返回 scheme 的默认端口，socks 系列没有默认端口。
func DefaultPort(scheme string) (int, bool) {
	switch scheme {
	case model.SchemeHTTP:
		return 80, true
	case model.SchemeHTTPS:
		return 443, true
	default:
		return 0, false
	}
}

func normalizeAnonymity(level string) string {
	value := strings.ToLower(strings.TrimSpace(level))
	switch value {
	case model.AnonymityElite, model.AnonymityAnonymous, model.AnonymityTransparent:
		return value
	default:
		return model.AnonymityUnknown
	}
}

// Normalize 解析一条原始记录。任何格式问题都返回包装了 ErrMalformed 的错误。
func Normalize(rec model.RawRecord) (model.ProxyDescriptor, error) {
	raw := strings.TrimSpace(rec.Proxy)
	if raw == "" && rec.IP != "" {
		scheme := rec.Protocol
		if scheme == "" {
			scheme = model.SchemeHTTP
		}
		raw = scheme + "://" + rec.IP
	}
	if raw == "" {
		return model.ProxyDescriptor{}, fmt.Errorf("%w: empty proxy url", ErrMalformed)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return model.ProxyDescriptor{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	scheme := NormalizeScheme(parsed.Scheme)
	if !IsSupportedScheme(scheme) {
		return model.ProxyDescriptor{}, fmt.Errorf("%w: unsupported scheme %q", ErrMalformed, parsed.Scheme)
	}

	host := model.CanonicalHost(parsed.Hostname())
	if host == "" {
		return model.ProxyDescriptor{}, fmt.Errorf("%w: empty host in %q", ErrMalformed, raw)
	}

	port, err := resolvePort(parsed.Port(), rec.Port, scheme)
	if err != nil {
		return model.ProxyDescriptor{}, err
	}

	protocol := strings.ToLower(strings.TrimSpace(rec.Protocol))
	if protocol == "" {
		protocol = scheme
	}

	country := model.UnknownCountry
	city := model.UnknownCity
	if rec.Geolocation != nil {
		country = NormalizeCountry(rec.Geolocation.Country)
		if c := strings.TrimSpace(rec.Geolocation.City); c != "" {
			city = c
		}
	}

	id := model.CanonicalID(scheme, host, port)
	return model.ProxyDescriptor{
		ID:            id,
		URL:           id,
		Scheme:        scheme,
		Host:          host,
		Port:          port,
		Protocol:      protocol,
		SupportsHTTPS: rec.HTTPS,
		Anonymity:     normalizeAnonymity(rec.Anonymity),
		Score:         parseScore(rec.Score),
		Country:       country,
		City:          city,
		Source:        rec.Source,
	}, nil
}

// NormalizeAll 规范化一批记录，丢弃非法记录并返回丢弃数量。
func NormalizeAll(records []model.RawRecord) ([]model.ProxyDescriptor, int) {
	out := make([]model.ProxyDescriptor, 0, len(records))
	dropped := 0
	for _, rec := range records {
		d, err := Normalize(rec)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, d)
	}
	return out, dropped
}

// resolvePort 依次尝试 URL 中的端口、代理源字段、scheme 默认端口。
func resolvePort(urlPort string, feedPort json.RawMessage, scheme string) (int, error) {
	var port int
	switch {
	case urlPort != "":
		p, err := strconv.Atoi(urlPort)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid port %q", ErrMalformed, urlPort)
		}
		port = p
	case hasValue(feedPort):
		p, ok := parseInteger(feedPort)
		if !ok {
			return 0, fmt.Errorf("%w: invalid feed port %s", ErrMalformed, string(feedPort))
		}
		port = p
	default:
		p, ok := DefaultPort(scheme)
		if !ok {
			return 0, fmt.Errorf("%w: no port for scheme %s", ErrMalformed, scheme)
		}
		port = p
	}

	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrMalformed, port)
	}
	return port, nil
}

func hasValue(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// parseNumber 接受 JSON 数字或数字字符串。
func parseNumber(raw json.RawMessage) (float64, bool) {
	if !hasValue(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseInteger(raw json.RawMessage) (int, bool) {
	f, ok := parseNumber(raw)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func parseScore(raw json.RawMessage) float64 {
	f, ok := parseNumber(raw)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Renormalize 重新规范化一个外部传入的描述，例如用户手动选择的代理。
// 端点取自 Scheme/Host/Port，三者缺一即拒绝；只有 Host 为空时才退回解析 URL。
// ID 总是重新计算，不信任传入值。
func Renormalize(d model.ProxyDescriptor) (model.ProxyDescriptor, error) {
	var raw string
	switch {
	case d.Host != "":
		if d.Scheme == "" || d.Port == 0 {
			return model.ProxyDescriptor{}, fmt.Errorf("%w: descriptor needs scheme, host and port", ErrMalformed)
		}
		raw = d.Scheme + "://" + net.JoinHostPort(strings.Trim(d.Host, "[]"), strconv.Itoa(d.Port))
	case d.URL != "":
		raw = d.URL
	default:
		return model.ProxyDescriptor{}, fmt.Errorf("%w: descriptor has no endpoint", ErrMalformed)
	}

	rec := model.RawRecord{
		Proxy:     raw,
		Protocol:  d.Protocol,
		HTTPS:     d.SupportsHTTPS,
		Anonymity: d.Anonymity,
		Score:     json.RawMessage(strconv.FormatFloat(d.Score, 'f', -1, 64)),
		Source:    d.Source,
	}
	if d.Country != "" || d.City != "" {
		rec.Geolocation = &model.Geolocation{Country: d.Country, City: d.City}
	}
	return Normalize(rec)
}
