package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limit describe una dimensión de rate limiting: cuota por ventana más los
// bounds duros que el ajuste adaptativo nunca puede cruzar.
type Limit struct {
	Limit   int    `yaml:"limit"`
	Window  string `yaml:"window"` // duration string, ej "1m"
	Floor   int    `yaml:"floor"`
	Ceiling int    `yaml:"ceiling"`
}

// WindowDur parsea la ventana; fallback 1m si el YAML trae basura.
func (l Limit) WindowDur() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(l.Window)); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`

	Cache struct {
		Driver string `yaml:"driver"` // memory | redis
		Redis  struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
			// Password llega sólo por env (REDIS_PASSWORD), nunca por YAML.
			Password string `yaml:"-"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Token struct {
		Issuer    string   `yaml:"issuer"`
		Audience  string   `yaml:"audience"`
		AccessTTL string   `yaml:"access_ttl"` // default de mint
		MaxTTL    string   `yaml:"max_ttl"`    // cota superior de cualquier TTL pedido
		Roles     []string `yaml:"roles"`      // set de roles reconocidos
		// SigningSeed llega sólo por env (TOKEN_SIGNING_SEED), nunca por YAML.
		SigningSeed string `yaml:"-"`
	} `yaml:"token"`

	Keys struct {
		// Ventana en la que la clave previa a una rotación sigue pudiendo descifrar.
		OverlapWindow string `yaml:"overlap_window"`
		// TTL del cache in-process de claves derivadas.
		DerivedTTL string `yaml:"derived_ttl"`
		// MasterKey llega sólo por env (GATEKEEPER_MASTER_KEY), nunca por YAML.
		MasterKey string `yaml:"-"`
	} `yaml:"keys"`

	Rate struct {
		// Disabled apaga el rate limiting entero (kill switch operativo);
		// el default es limitar.
		Disabled    bool  `yaml:"disabled"`
		IPPerMin    Limit `yaml:"ip_per_min"`
		IPPerHour   Limit `yaml:"ip_per_hour"`
		UserPerMin  Limit `yaml:"user_per_min"`
		UserPerHour Limit `yaml:"user_per_hour"`
		IPEndpoint  Limit `yaml:"ip_endpoint"`
		IPUserAgent Limit `yaml:"ip_useragent"`
		Global      Limit `yaml:"global"`
		// Endpoints de autenticación usan un límite por IP más estricto.
		AuthIP   Limit `yaml:"auth_ip"`
		Adaptive struct {
			Enabled  bool   `yaml:"enabled"`
			Interval string `yaml:"interval"`
		} `yaml:"adaptive"`
	} `yaml:"rate"`

	Validation struct {
		RulesPath      string `yaml:"rules_path"` // YAML opcional con patterns extra
		MaxPromptLen   int    `yaml:"max_prompt_len"`
		MaxFieldLen    int    `yaml:"max_field_len"`
		MaxFilenameLen int    `yaml:"max_filename_len"`
		Upload         struct {
			MaxSizeBytes int64    `yaml:"max_size_bytes"`
			AllowedTypes []string `yaml:"allowed_types"` // extensiones sin punto
		} `yaml:"upload"`
	} `yaml:"validation"`

	Monitor struct {
		CorrelationWindow string `yaml:"correlation_window"`
		EscalateHigh      string `yaml:"escalate_high"`
		EscalateMedium    string `yaml:"escalate_medium"`
		RetainResolved    string `yaml:"retain_resolved"`
		ConfirmTimeout    string `yaml:"confirm_timeout"` // dispatch sin confirmar
		Budgets           struct {
			AuthSuccessMinutes            int `yaml:"auth_success_minutes"`
			RevocationAvailabilityMinutes int `yaml:"revocation_availability_minutes"`
		} `yaml:"budgets"`
	} `yaml:"monitor"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"-"` // env-only: SMTP_PASSWORD
		From     string `yaml:"from"`
		To       string `yaml:"to"`
		TLS      string `yaml:"tls"` // auto|starttls|ssl|none
	} `yaml:"smtp"`

	Alerts struct {
		PagerURL string `yaml:"pager_url"`
		ChatURL  string `yaml:"chat_url"`
	} `yaml:"alerts"`

	Archive struct {
		Enabled  bool `yaml:"enabled"`
		MaxConns int  `yaml:"max_conns"`
		// DSN llega sólo por env (ARCHIVE_DSN), nunca por YAML.
		DSN string `yaml:"-"`
	} `yaml:"archive"`
}

// Load lee el YAML (path opcional: "" usa sólo defaults+env), aplica defaults
// y después overrides de entorno. Los secretos vienen únicamente de env.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyDefaults()
	c.applyEnv()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "gk"
	}

	if c.Token.Issuer == "" {
		c.Token.Issuer = "gatekeeper"
	}
	if c.Token.Audience == "" {
		c.Token.Audience = "platform"
	}
	if c.Token.AccessTTL == "" {
		c.Token.AccessTTL = "15m"
	}
	if c.Token.MaxTTL == "" {
		c.Token.MaxTTL = "24h"
	}
	if len(c.Token.Roles) == 0 {
		c.Token.Roles = []string{"user", "agent", "operator", "admin"}
	}

	if c.Keys.OverlapWindow == "" {
		c.Keys.OverlapWindow = "24h"
	}
	if c.Keys.DerivedTTL == "" {
		c.Keys.DerivedTTL = "10m"
	}

	// Dimensiones: defaults del diseño; floor/ceiling acotan el ajuste adaptativo.
	defLimit := func(l *Limit, limit int, window string) {
		if l.Limit == 0 {
			l.Limit = limit
		}
		if l.Window == "" {
			l.Window = window
		}
		if l.Floor == 0 {
			l.Floor = (l.Limit + 1) / 2
		}
		if l.Ceiling == 0 {
			l.Ceiling = l.Limit * 4
		}
	}
	defLimit(&c.Rate.IPPerMin, 60, "1m")
	defLimit(&c.Rate.IPPerHour, 1000, "1h")
	defLimit(&c.Rate.UserPerMin, 30, "1m")
	defLimit(&c.Rate.UserPerHour, 500, "1h")
	defLimit(&c.Rate.IPEndpoint, 20, "1m")
	defLimit(&c.Rate.IPUserAgent, 15, "1m")
	defLimit(&c.Rate.Global, 10000, "1m")
	defLimit(&c.Rate.AuthIP, 10, "1m")
	if c.Rate.Adaptive.Interval == "" {
		c.Rate.Adaptive.Interval = "5m"
	}

	if c.Validation.MaxPromptLen == 0 {
		c.Validation.MaxPromptLen = 32 * 1024
	}
	if c.Validation.MaxFieldLen == 0 {
		c.Validation.MaxFieldLen = 4 * 1024
	}
	if c.Validation.MaxFilenameLen == 0 {
		c.Validation.MaxFilenameLen = 255
	}
	if c.Validation.Upload.MaxSizeBytes == 0 {
		c.Validation.Upload.MaxSizeBytes = 10 << 20 // 10 MiB
	}
	if len(c.Validation.Upload.AllowedTypes) == 0 {
		c.Validation.Upload.AllowedTypes = []string{"png", "jpg", "jpeg", "gif", "pdf", "txt", "md", "csv", "json"}
	}

	if c.Monitor.CorrelationWindow == "" {
		c.Monitor.CorrelationWindow = "15m"
	}
	if c.Monitor.EscalateHigh == "" {
		c.Monitor.EscalateHigh = "15m"
	}
	if c.Monitor.EscalateMedium == "" {
		c.Monitor.EscalateMedium = "1h"
	}
	if c.Monitor.RetainResolved == "" {
		c.Monitor.RetainResolved = "2160h" // 90d
	}
	if c.Monitor.ConfirmTimeout == "" {
		c.Monitor.ConfirmTimeout = "30s"
	}
	if c.Monitor.Budgets.AuthSuccessMinutes == 0 {
		c.Monitor.Budgets.AuthSuccessMinutes = 43
	}
	if c.Monitor.Budgets.RevocationAvailabilityMinutes == 0 {
		c.Monitor.Budgets.RevocationAvailabilityMinutes = 21
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "auto"
	}
	if c.Archive.MaxConns == 0 {
		c.Archive.MaxConns = 4
	}
}

func (c *Config) applyEnv() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = v
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	// CACHE
	if v, ok := getEnvStr("CACHE_DRIVER"); ok {
		c.Cache.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}

	// TOKEN
	if v, ok := getEnvStr("TOKEN_ISSUER"); ok {
		c.Token.Issuer = v
	}
	if v, ok := getEnvStr("TOKEN_AUDIENCE"); ok {
		c.Token.Audience = v
	}
	if v, ok := getEnvStr("TOKEN_ACCESS_TTL"); ok {
		c.Token.AccessTTL = v
	}
	if v, ok := getEnvStr("TOKEN_MAX_TTL"); ok {
		c.Token.MaxTTL = v
	}
	if v, ok := getEnvCSV("TOKEN_ROLES"); ok && len(v) > 0 {
		c.Token.Roles = v
	}
	if v, ok := getEnvStr("TOKEN_SIGNING_SEED"); ok {
		c.Token.SigningSeed = v
	}

	// KEYS
	if v, ok := getEnvStr("KEYS_OVERLAP_WINDOW"); ok {
		c.Keys.OverlapWindow = v
	}
	if v, ok := getEnvStr("GATEKEEPER_MASTER_KEY"); ok {
		c.Keys.MasterKey = v
	}

	// RATE
	if v, ok := getEnvBool("RATE_DISABLED"); ok {
		c.Rate.Disabled = v
	}
	if v, ok := getEnvInt("RATE_IP_PER_MIN"); ok {
		c.Rate.IPPerMin.Limit = v
	}
	if v, ok := getEnvInt("RATE_USER_PER_MIN"); ok {
		c.Rate.UserPerMin.Limit = v
	}
	if v, ok := getEnvInt("RATE_GLOBAL_PER_MIN"); ok {
		c.Rate.Global.Limit = v
	}
	if v, ok := getEnvInt("RATE_AUTH_IP_PER_MIN"); ok {
		c.Rate.AuthIP.Limit = v
	}
	if v, ok := getEnvBool("RATE_ADAPTIVE_ENABLED"); ok {
		c.Rate.Adaptive.Enabled = v
	}
	if v, ok := getEnvStr("RATE_ADAPTIVE_INTERVAL"); ok {
		c.Rate.Adaptive.Interval = v
	}

	// VALIDATION
	if v, ok := getEnvStr("VALIDATION_RULES_PATH"); ok {
		c.Validation.RulesPath = strings.TrimSpace(v)
	}
	if v, ok := getEnvInt("VALIDATION_MAX_PROMPT_LEN"); ok {
		c.Validation.MaxPromptLen = v
	}

	// MONITOR
	if v, ok := getEnvStr("MONITOR_CORRELATION_WINDOW"); ok {
		c.Monitor.CorrelationWindow = v
	}

	// SMTP
	if v, ok := getEnvStr("SMTP_HOST"); ok {
		c.SMTP.Host = v
	}
	if v, ok := getEnvInt("SMTP_PORT"); ok {
		c.SMTP.Port = v
	}
	if v, ok := getEnvStr("SMTP_USERNAME"); ok {
		c.SMTP.Username = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.SMTP.Password = v
	}
	if v, ok := getEnvStr("SMTP_FROM"); ok {
		c.SMTP.From = v
	}
	if v, ok := getEnvStr("SMTP_TO"); ok {
		c.SMTP.To = v
	}
	if v, ok := getEnvStr("SMTP_TLS"); ok {
		c.SMTP.TLS = strings.ToLower(v)
	}

	// ALERTS
	if v, ok := getEnvStr("ALERT_PAGER_URL"); ok {
		c.Alerts.PagerURL = v
	}
	if v, ok := getEnvStr("ALERT_CHAT_URL"); ok {
		c.Alerts.ChatURL = v
	}

	// ARCHIVE
	if v, ok := getEnvBool("ARCHIVE_ENABLED"); ok {
		c.Archive.Enabled = v
	}
	if v, ok := getEnvStr("ARCHIVE_DSN"); ok {
		c.Archive.DSN = v
	}
	if v, ok := getEnvInt("ARCHIVE_MAX_CONNS"); ok {
		c.Archive.MaxConns = v
	}
}

// Dur parsea una duración configurada; fallback si no parsea.
func Dur(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	return fallback
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}
