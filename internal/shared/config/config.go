package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"proxyswitch/internal/shared/types"
)

const DefaultProxiflyURL = "https://cdn.jsdelivr.net/gh/proxifly/free-proxy-list@main/proxies/all/data.json"

// LoadIni 加载 switcher.ini，随后读取同目录下可选的 .env 并应用环境变量覆盖。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	// .env 缺失时静默忽略
	_ = godotenv.Load(filepath.Join(filepath.Dir(fileName), ".env"))

	overrideFromEnvString(&cfg.StorageConf.RedisAddr, "SWITCHER_REDIS_ADDR")
	overrideFromEnvString(&cfg.StorageConf.RedisPassword, "SWITCHER_REDIS_PASSWORD")
	overrideFromEnvString(&cfg.LogConf.Level, "SWITCHER_LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.Port, "SWITCHER_WEB_PORT")

	ApplyDefaults(cfg)
	return nil
}

// ApplyDefaults 为未设置的字段填充默认值。
func ApplyDefaults(cfg *types.Config) {
	if cfg.PoolConf.ProxiflyURL == "" {
		cfg.PoolConf.ProxiflyURL = DefaultProxiflyURL
	}
	setIntDefault(&cfg.PoolConf.FeedTimeoutSeconds, 20)
	setIntDefault(&cfg.PoolConf.MaxConcurrentFeeds, 4)
	setIntDefault(&cfg.PoolConf.RefreshIntervalMins, 60)
	setIntDefault(&cfg.PoolConf.MinManualRefreshSecs, 30)
	setIntDefault(&cfg.PoolConf.DefaultDashboardSize, 50)
	if len(cfg.PoolConf.PreferredCountries) == 0 {
		cfg.PoolConf.PreferredCountries = []string{"US", "GB", "FR"}
	}

	setIntDefault(&cfg.SwitchConf.MaxAttempts, 15)
	setIntDefault(&cfg.SwitchConf.BlacklistTTLMinutes, 15)
	setIntDefault(&cfg.SwitchConf.BlacklistMaxEntries, 500)
	setIntDefault(&cfg.SwitchConf.IPCheckTimeoutMs, 6000)
	setIntDefault(&cfg.SwitchConf.PageCheckTimeoutMs, 8000)
	if len(cfg.SwitchConf.IPCheckEndpoints) == 0 {
		cfg.SwitchConf.IPCheckEndpoints = []string{
			"https://api.ipify.org?format=json",
			"https://api64.ipify.org?format=json",
		}
	}
	if cfg.SwitchConf.PageCheckURL == "" {
		cfg.SwitchConf.PageCheckURL = "https://www.gstatic.com/generate_204"
		if cfg.SwitchConf.PageCheckExpectHost == "" {
			cfg.SwitchConf.PageCheckExpectHost = "www.gstatic.com"
		}
	}
	if len(cfg.SwitchConf.PageCheckStatusCodes) == 0 {
		cfg.SwitchConf.PageCheckStatusCodes = []int{200, 204}
	}

	if cfg.StorageConf.Backend == "" {
		cfg.StorageConf.Backend = "file"
	}
	if cfg.StorageConf.FilePath == "" {
		cfg.StorageConf.FilePath = "switcher-state.json"
	}
	if cfg.StorageConf.RedisPrefix == "" {
		cfg.StorageConf.RedisPrefix = "proxyswitch:"
	}
}

func setIntDefault(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
