package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"proxyhub/internal/shared/types"
)

const (
	DefaultCandidatesFile = "parsed_proxies.txt"
	DefaultStoreFile      = "proxies.json"
	DefaultTTLHours       = 1
	DefaultCheckURL       = "https://google.com/"
	DefaultGeoURL         = "https://ipapi.co/%s/json"
	DefaultTimeout        = 10
	DefaultSourceTimeout  = 30
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
)

// Default 返回一个填充了默认值的配置。
func Default() *types.Config {
	cfg := &types.Config{HubConf: types.HubConf{TTLHours: DefaultTTLHours}}
	applyDefaults(cfg)
	return cfg
}

// Load 返回 默认值 -> ini 文件 (不存在时跳过) -> 环境变量 叠加后的配置，并校验。
func Load(fileName string) (*types.Config, error) {
	cfg := Default()
	_, err := os.Stat(fileName)
	switch {
	case err == nil:
		if err := LoadIni(cfg, fileName); err != nil {
			return nil, err
		}
		return cfg, nil
	case errors.Is(err, fs.ErrNotExist):
		if err := finish(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	default:
		return nil, err
	}
}

// LoadIni 加载 proxyhub.ini 配置文件，缺失的键使用默认值，然后应用环境变量覆盖。
// 行内的 '#' 和 ';' 属于值本身 (URL 片段、User-Agent)，只有整行注释会被忽略。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, fileName)
	if err != nil {
		return err
	}
	// MapTo 只覆盖文件中出现的键，所以先填默认值。
	if cfg.HubConf.TTLHours == 0 {
		cfg.HubConf.TTLHours = DefaultTTLHours
	}
	applyDefaults(cfg)
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	applyDefaults(cfg)
	return finish(cfg)
}

// finish 应用环境变量、追加 sources_file 中的来源，然后校验。
func finish(cfg *types.Config) error {
	applyEnv(cfg)

	if cfg.HubConf.SourcesFile != "" {
		extra, err := LoadSources(cfg.HubConf.SourcesFile)
		if err != nil {
			return err
		}
		cfg.HubConf.Sources = append(cfg.HubConf.Sources, extra...)
	}
	cfg.HubConf.Sources = cleanSources(cfg.HubConf.Sources)

	return Validate(cfg)
}

// LoadSources 读取每行一个 URL 的来源文件，忽略空行和 '#' 注释。
func LoadSources(fileName string) ([]string, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sources file: %w", err)
	}
	defer f.Close()

	var sources []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return sources, nil
}

// Validate rejects configurations the hub cannot run with.
func Validate(cfg *types.Config) error {
	hub := cfg.HubConf
	switch {
	case hub.TTLHours < 0:
		return errors.New("ttl_hours must not be negative")
	case hub.Workers < 0:
		return errors.New("workers must not be negative")
	case hub.StoreFile == "":
		return errors.New("store_file must not be empty")
	case hub.CandidatesFile == "":
		return errors.New("candidates_file must not be empty")
	case !strings.Contains(hub.GeoURL, "%s"):
		return fmt.Errorf("geo_url %q must contain %%s for the proxy ip", hub.GeoURL)
	}
	return nil
}

func applyDefaults(cfg *types.Config) {
	hub := &cfg.HubConf
	if hub.CandidatesFile == "" {
		hub.CandidatesFile = DefaultCandidatesFile
	}
	if hub.StoreFile == "" {
		hub.StoreFile = DefaultStoreFile
	}
	if hub.CheckURL == "" {
		hub.CheckURL = DefaultCheckURL
	}
	if hub.GeoURL == "" {
		hub.GeoURL = DefaultGeoURL
	}
	if hub.TimeoutSeconds <= 0 {
		hub.TimeoutSeconds = DefaultTimeout
	}
	if hub.SourceTimeoutSeconds <= 0 {
		hub.SourceTimeoutSeconds = DefaultSourceTimeout
	}
	if hub.UserAgent == "" {
		hub.UserAgent = DefaultUserAgent
	}
	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}
}

func applyEnv(cfg *types.Config) {
	overrideFromEnvInt(&cfg.HubConf.TTLHours, "PROXYHUB_TTL_HOURS")
	overrideFromEnvInt(&cfg.HubConf.Workers, "PROXYHUB_WORKERS")
	overrideFromEnvString(&cfg.HubConf.CheckURL, "PROXYHUB_CHECK_URL")
	overrideFromEnvString(&cfg.LogConf.Level, "PROXYHUB_LOG_LEVEL")
}

func cleanSources(sources []string) []string {
	out := sources[:0]
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
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
