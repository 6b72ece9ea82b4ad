package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Fetch    FetchConfig    `json:"fetch,omitempty"`
	Monitor  MonitorConfig  `json:"monitor,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChatID receives the daily status report (0 disables it).
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FetchConfig controls the page fetch client.
//
// All durations are Go duration strings. SSRFGuard defaults to true;
// set it to false only for trusted private deployments that need to
// monitor internal hosts.
type FetchConfig struct {
	Timeout     string `json:"timeout,omitempty"`
	MaxBodySize int64  `json:"max_body_size,omitempty"`
	SSRFGuard   *bool  `json:"ssrf_guard,omitempty"`
}

// MonitorConfig controls check scheduling.
type MonitorConfig struct {
	// Workers is the tick worker pool size.
	Workers int `json:"workers,omitempty"`
	// SettleDelay postpones the first check after (re)start.
	SettleDelay string `json:"settle_delay,omitempty"`
	// CheckTimeout bounds one full tick (fetch + store writes).
	CheckTimeout string `json:"check_timeout,omitempty"`
	// ReportAt is the daily report time as HH:MM.
	ReportAt string `json:"report_at,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}
