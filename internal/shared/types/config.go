package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// WebConf 控制仪表盘 HTTP API 的监听与认证。
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// GatewayConf 本地代理入口，端口为 0 时禁用对应监听。
type GatewayConf struct {
	Port      int    `ini:"port"`
	SocksPort int    `ini:"socks_port"`
	User      string `ini:"user"`
	Password  string `ini:"password"`
}

// PoolConf 代理源抓取与缓存配置。
type PoolConf struct {
	ProxiflyURL          string   `ini:"proxifly_url"`
	TextListURLs         []string `ini:"text_list_urls" delim:","`
	HTMLTableURLs        []string `ini:"html_table_urls" delim:","`
	FeedTimeoutSeconds   int      `ini:"feed_timeout_seconds"`
	MaxConcurrentFeeds   int      `ini:"max_concurrent_feeds"`
	RefreshIntervalMins  int      `ini:"refresh_interval_minutes"`
	MinManualRefreshSecs int      `ini:"min_manual_refresh_seconds"`
	PreferredCountries   []string `ini:"preferred_countries" delim:","`
	DefaultDashboardSize int      `ini:"default_dashboard_limit"`
}

// SwitchConf 智能切换与黑名单参数。
type SwitchConf struct {
	MaxAttempts          int      `ini:"max_attempts"`
	BlacklistTTLMinutes  int      `ini:"blacklist_ttl_minutes"`
	BlacklistMaxEntries  int      `ini:"blacklist_max_entries"`
	IPCheckTimeoutMs     int      `ini:"ip_check_timeout_ms"`
	PageCheckTimeoutMs   int      `ini:"page_check_timeout_ms"`
	IPCheckEndpoints     []string `ini:"ip_check_endpoints" delim:","`
	PageCheckURL         string   `ini:"page_check_url"`
	PageCheckExpectHost  string   `ini:"page_check_expect_host"`
	PageCheckStatusCodes []int    `ini:"page_check_status_codes" delim:","`
}

// StorageConf 选择 KV 持久化后端: "file", "redis" 或 "memory"。
type StorageConf struct {
	Backend       string `ini:"backend"`
	FilePath      string `ini:"file_path"`
	RedisAddr     string `ini:"redis_addr"`
	RedisPassword string `ini:"redis_password"`
	RedisDB       int    `ini:"redis_db"`
	RedisPrefix   string `ini:"redis_prefix"`
}

// GeoIPConf 可选的 MaxMind 国家库路径。
type GeoIPConf struct {
	DatabasePath string `ini:"database_path"`
}

// Config 是 switcher.ini 的统一配置结构体
type Config struct {
	LogConf     `ini:"log"`
	WebConf     `ini:"web"`
	GatewayConf `ini:"gateway"`
	PoolConf    `ini:"pool"`
	SwitchConf  `ini:"switch"`
	StorageConf `ini:"storage"`
	GeoIPConf   `ini:"geoip"`
}
