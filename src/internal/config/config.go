package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig   `mapstructure:"server" json:"server"`
	StorageDir   string         `mapstructure:"storage_dir" json:"storage_dir"`
	ScriptsDir   string         `mapstructure:"scripts_dir" json:"scripts_dir"`
	WatchScripts bool           `mapstructure:"watch_scripts" json:"watch_scripts"`
	Models       ModelsConfig   `mapstructure:"models" json:"models"`
	TextGen      TextGenConfig  `mapstructure:"textgen" json:"textgen"`
	Engine       EngineConfig   `mapstructure:"engine" json:"engine"`
	Matcher      MatcherConfig  `mapstructure:"matcher" json:"matcher"`
	Rhythm       RhythmConfig   `mapstructure:"rhythm" json:"rhythm"`
	Channels     ChannelsConfig `mapstructure:"channels" json:"channels"`
	Events       EventsConfig   `mapstructure:"events" json:"events"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
}

type ProviderConfig struct {
	BaseURL string        `mapstructure:"baseUrl" json:"baseUrl"`
	APIKey  string        `mapstructure:"apiKey" json:"apiKey,omitempty"`
	Models  []ModelConfig `mapstructure:"models" json:"models"`
}

type ModelConfig struct {
	ID        string `mapstructure:"id" json:"id"`
	Name      string `mapstructure:"name" json:"name"`
	MaxTokens int    `mapstructure:"maxTokens" json:"maxTokens"`
}

type ModelSelection struct {
	Primary   string   `mapstructure:"primary" json:"primary"`
	Fallbacks []string `mapstructure:"fallbacks" json:"fallbacks"`
}

// TextGenConfig controls AI content generation. Timeout and fallback text apply
// to every generation call the engine makes.
type TextGenConfig struct {
	Engine       string         `mapstructure:"engine" json:"engine"`
	Model        ModelSelection `mapstructure:"model" json:"model"`
	Timeout      time.Duration  `mapstructure:"timeout" json:"timeout"`
	FallbackText string         `mapstructure:"fallback_text" json:"fallback_text"`
	DefaultDelay time.Duration  `mapstructure:"default_delay" json:"default_delay"`
	Temperature  float32        `mapstructure:"temperature" json:"temperature"`
}

type EngineConfig struct {
	TickInterval           time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	SendTimeout            time.Duration `mapstructure:"send_timeout" json:"send_timeout"`
	MaxConcurrentSends     int           `mapstructure:"max_concurrent_sends" json:"max_concurrent_sends"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" json:"max_consecutive_failures"`
	DefaultFailureAction   string        `mapstructure:"default_failure_action" json:"default_failure_action"`
	EntryStagger           time.Duration `mapstructure:"entry_stagger" json:"entry_stagger"`
	AuditSize              int           `mapstructure:"audit_size" json:"audit_size"`
	HistoryDB              string        `mapstructure:"history_db" json:"history_db"`
	Debug                  bool          `mapstructure:"debug" json:"debug"`
}

type MatcherConfig struct {
	AllowMultiRole bool `mapstructure:"allow_multi_role" json:"allow_multi_role"`
	AllowOffline   bool `mapstructure:"allow_offline" json:"allow_offline"`
}

type RhythmConfig struct {
	MinInterval        time.Duration `mapstructure:"min_interval" json:"min_interval"`
	MaxInterval        time.Duration `mapstructure:"max_interval" json:"max_interval"`
	WaitForUserReply   bool          `mapstructure:"wait_for_user_reply" json:"wait_for_user_reply"`
	UserSilenceTimeout time.Duration `mapstructure:"user_silence_timeout" json:"user_silence_timeout"`
	MaxFollowUps       int           `mapstructure:"max_follow_ups" json:"max_follow_ups"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr" json:"addr"`
	Key           string `mapstructure:"key" json:"key"`
	AdminUser     string `mapstructure:"admin_user" json:"admin_user"`
	AdminPass     string `mapstructure:"admin_pass" json:"-"`
	EffectiveHost string `mapstructure:"-" json:"effectiveHost"`
	Port          int    `mapstructure:"-" json:"port"`
}

type WhatsappConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

type IRCAccount struct {
	Nick     string  `mapstructure:"nick" json:"nick"`
	User     string  `mapstructure:"user" json:"user"`
	Realname string  `mapstructure:"realname" json:"realname"`
	Password *string `mapstructure:"password" json:"-"`
}

type IRCConfig struct {
	Enabled  bool         `mapstructure:"enabled" json:"enabled"`
	Host     string       `mapstructure:"host" json:"host"`
	Port     int          `mapstructure:"port" json:"port"`
	TLS      bool         `mapstructure:"tls" json:"tls"`
	Channels []string     `mapstructure:"channels" json:"channels"`
	Accounts []IRCAccount `mapstructure:"accounts" json:"accounts"`
}

type ChannelsConfig struct {
	Whatsapp WhatsappConfig `mapstructure:"whatsapp" json:"whatsapp"`
	IRC      IRCConfig      `mapstructure:"irc" json:"irc"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url" json:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
}

type EventsConfig struct {
	NATS   NATSConfig `mapstructure:"nats" json:"nats"`
	Buffer int        `mapstructure:"buffer" json:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8420")
	v.SetDefault("textgen.engine", "basic")
	v.SetDefault("textgen.timeout", 45*time.Second)
	v.SetDefault("textgen.default_delay", 20*time.Second)
	v.SetDefault("textgen.temperature", 0.8)
	v.SetDefault("engine.tick_interval", time.Second)
	v.SetDefault("engine.send_timeout", 30*time.Second)
	v.SetDefault("engine.max_concurrent_sends", 8)
	v.SetDefault("engine.max_consecutive_failures", 3)
	v.SetDefault("engine.default_failure_action", "notify")
	v.SetDefault("engine.entry_stagger", 90*time.Second)
	v.SetDefault("engine.audit_size", 200)
	v.SetDefault("matcher.allow_multi_role", true)
	v.SetDefault("rhythm.min_interval", 30*time.Second)
	v.SetDefault("rhythm.max_interval", 180*time.Second)
	v.SetDefault("rhythm.wait_for_user_reply", true)
	v.SetDefault("rhythm.user_silence_timeout", 10*time.Minute)
	v.SetDefault("rhythm.max_follow_ups", 6)
	v.SetDefault("channels.irc.port", 6697)
	v.SetDefault("channels.irc.tls", true)
	v.SetDefault("events.nats.subject_prefix", "troupe.events")
	v.SetDefault("events.buffer", 256)
}

func Load(override string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	appDir := filepath.Join(home, ".troupe")
	if envDir := os.Getenv("TROUPE_STORAGE_DIR"); envDir != "" {
		appDir = envDir
	}
	if _, err := os.Stat(appDir); os.IsNotExist(err) {
		_ = os.MkdirAll(appDir, 0755)
	}

	v := viper.New()
	setDefaults(v)
	if override != "" {
		v.SetConfigFile(override)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(appDir)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.StorageDir == "" {
		cfg.StorageDir = appDir
	}
	if strings.HasPrefix(cfg.StorageDir, "~/") {
		cfg.StorageDir = filepath.Join(home, cfg.StorageDir[2:])
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = filepath.Join(cfg.StorageDir, "scripts")
	}
	if cfg.Engine.HistoryDB == "" {
		cfg.Engine.HistoryDB = filepath.Join(cfg.StorageDir, "history.db")
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize derives computed fields and resolves $VAR API key placeholders.
func (cfg *Config) finalize() error {
	host, portStr, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("invalid server.addr %q: %w", cfg.Server.Addr, err)
	}
	cfg.Server.EffectiveHost = host
	if cfg.Server.EffectiveHost == "" {
		cfg.Server.EffectiveHost = "0.0.0.0"
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q in server.addr %q: %w", portStr, cfg.Server.Addr, err)
	}
	cfg.Server.Port = p

	if cfg.Rhythm.MaxInterval < cfg.Rhythm.MinInterval {
		return fmt.Errorf("rhythm.max_interval %s is below rhythm.min_interval %s", cfg.Rhythm.MaxInterval, cfg.Rhythm.MinInterval)
	}

	for p, prov := range cfg.Models.Providers {
		apiKey := prov.APIKey
		if strings.HasPrefix(apiKey, "$") {
			apiKey = os.Getenv(strings.TrimPrefix(apiKey, "$"))
		} else if apiKey == "" {
			apiKey = os.Getenv(strings.ToUpper(p) + "_API_KEY")
		}
		prov.APIKey = apiKey
		cfg.Models.Providers[p] = prov
	}
	return nil
}

func Save(cfg *Config) error {
	if _, err := os.Stat(cfg.StorageDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
			return err
		}
	}

	v := viper.New()
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("server.key", cfg.Server.Key)
	v.Set("server.admin_user", cfg.Server.AdminUser)
	v.Set("server.admin_pass", cfg.Server.AdminPass)
	v.Set("storage_dir", cfg.StorageDir)
	v.Set("scripts_dir", cfg.ScriptsDir)
	v.Set("watch_scripts", cfg.WatchScripts)
	for p, prov := range cfg.Models.Providers {
		v.Set("models.providers."+p+".baseUrl", prov.BaseURL)
		v.Set("models.providers."+p+".apiKey", prov.APIKey)
		for i, m := range prov.Models {
			v.Set("models.providers."+p+".models."+strconv.Itoa(i)+".id", m.ID)
			v.Set("models.providers."+p+".models."+strconv.Itoa(i)+".name", m.Name)
			v.Set("models.providers."+p+".models."+strconv.Itoa(i)+".maxTokens", m.MaxTokens)
		}
	}
	v.Set("textgen.engine", cfg.TextGen.Engine)
	v.Set("textgen.model.primary", cfg.TextGen.Model.Primary)
	v.Set("textgen.model.fallbacks", cfg.TextGen.Model.Fallbacks)
	v.Set("textgen.timeout", cfg.TextGen.Timeout.String())
	v.Set("textgen.fallback_text", cfg.TextGen.FallbackText)
	v.Set("textgen.default_delay", cfg.TextGen.DefaultDelay.String())
	v.Set("textgen.temperature", cfg.TextGen.Temperature)
	v.Set("engine.tick_interval", cfg.Engine.TickInterval.String())
	v.Set("engine.send_timeout", cfg.Engine.SendTimeout.String())
	v.Set("engine.max_concurrent_sends", cfg.Engine.MaxConcurrentSends)
	v.Set("engine.max_consecutive_failures", cfg.Engine.MaxConsecutiveFailures)
	v.Set("engine.default_failure_action", cfg.Engine.DefaultFailureAction)
	v.Set("engine.entry_stagger", cfg.Engine.EntryStagger.String())
	v.Set("engine.audit_size", cfg.Engine.AuditSize)
	v.Set("engine.history_db", cfg.Engine.HistoryDB)
	v.Set("engine.debug", cfg.Engine.Debug)
	v.Set("matcher.allow_multi_role", cfg.Matcher.AllowMultiRole)
	v.Set("matcher.allow_offline", cfg.Matcher.AllowOffline)
	v.Set("rhythm.min_interval", cfg.Rhythm.MinInterval.String())
	v.Set("rhythm.max_interval", cfg.Rhythm.MaxInterval.String())
	v.Set("rhythm.wait_for_user_reply", cfg.Rhythm.WaitForUserReply)
	v.Set("rhythm.user_silence_timeout", cfg.Rhythm.UserSilenceTimeout.String())
	v.Set("rhythm.max_follow_ups", cfg.Rhythm.MaxFollowUps)
	v.Set("channels.whatsapp.enabled", cfg.Channels.Whatsapp.Enabled)
	v.Set("channels.irc.enabled", cfg.Channels.IRC.Enabled)
	v.Set("channels.irc.host", cfg.Channels.IRC.Host)
	v.Set("channels.irc.port", cfg.Channels.IRC.Port)
	v.Set("channels.irc.tls", cfg.Channels.IRC.TLS)
	v.Set("channels.irc.channels", cfg.Channels.IRC.Channels)
	accounts := make([]map[string]any, 0, len(cfg.Channels.IRC.Accounts))
	for _, a := range cfg.Channels.IRC.Accounts {
		acc := map[string]any{"nick": a.Nick, "user": a.User, "realname": a.Realname}
		if a.Password != nil {
			acc["password"] = *a.Password
		}
		accounts = append(accounts, acc)
	}
	v.Set("channels.irc.accounts", accounts)
	v.Set("events.nats.url", cfg.Events.NATS.URL)
	v.Set("events.nats.subject_prefix", cfg.Events.NATS.SubjectPrefix)
	v.Set("events.buffer", cfg.Events.Buffer)

	configPath := filepath.Join(cfg.StorageDir, "config.yaml")
	v.SetConfigType("yaml")
	return v.WriteConfigAs(configPath)
}
