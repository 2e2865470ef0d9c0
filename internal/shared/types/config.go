package types

// HubConf 包含代理池的行为配置
type HubConf struct {
	Sources              []string `ini:"sources" delim:","`
	SourcesFile          string   `ini:"sources_file"`
	CandidatesFile       string   `ini:"candidates_file"`
	StoreFile            string   `ini:"store_file"`
	TTLHours             int      `ini:"ttl_hours"`
	CheckURL             string   `ini:"check_url"`
	GeoURL               string   `ini:"geo_url"`
	TimeoutSeconds       int      `ini:"timeout_seconds"`
	SourceTimeoutSeconds int      `ini:"source_timeout_seconds"`
	Workers              int      `ini:"workers"` // 0 表示不限制并发
	UserAgent            string   `ini:"user_agent"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	JSON  bool   `ini:"json"`
}

// WebConf 包含 HTTP API 的配置，port 为 0 时不启动
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 proxyhub 的统一配置结构体
type Config struct {
	HubConf `ini:"hub"`
	LogConf `ini:"log"`
	WebConf `ini:"web"`
}
