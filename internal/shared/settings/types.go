package settings

const (
	MinLimit = 1
	MaxLimit = 500
)

// UIPrefs 是仪表盘的显示偏好。
type UIPrefs struct {
	Protocol string `json:"protocol"`
	Limit    int    `json:"limit"`
}

// Subscriber 在偏好变更后被通知。
type Subscriber interface {
	OnPrefsUpdate(prefs UIPrefs) error
}

// ClampLimit 把 limit 限制在 [MinLimit, MaxLimit]；非正数返回 fallback。
func ClampLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
