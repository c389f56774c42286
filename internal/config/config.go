package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"callconsole/pkg/utils"

	"github.com/pion/webrtc/v4"
)

// Config holds all configuration required by the api and softphone processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Store   StoreConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Jambonz JambonzConfig
	SIP     SIPConfig
	ICE     ICEConfig
	Relay   RelayConfig
}

type AppConfig struct {
	Env  string
	Port int
	// PublicBaseURL is used to build absolute webhook callback URLs.
	PublicBaseURL string
}

// StoreDriver selects the SessionStore backend.
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
	StoreRedis    StoreDriver = "redis"
)

type StoreConfig struct {
	Driver StoreDriver
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// JambonzConfig drives the inbound call-control webhook.
type JambonzConfig struct {
	WebhookToken   string
	StreamURL      string
	WebRTCURI      string
	WebRTCUsername string
	WebRTCPassword string
	STTVendor      string
	STTLanguage    string
	TTSVoice       string
}

// SIPConfig is the softphone registration identity. Completeness is decided
// by sipua.Config, not here: an incomplete identity disables SIP, it is not
// a startup error.
type SIPConfig struct {
	WSSServer      string
	Domain         string
	Username       string
	Password       string
	DisplayName    string
	URI            string
	TransferDomain string
}

type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// RelayConfig is the softphone's view of the signaling relay.
type RelayConfig struct {
	BaseURL      string
	Token        string
	PollInterval time.Duration
}

const (
	defaultPort         = 8080
	defaultPollInterval = 2500 * time.Millisecond
	defaultWebRTCURI    = "sip:agent@sbc.jambonz.local"
)

// Load reads and validates the api process configuration.
func Load() (Config, error) {
	c, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadSoftphone reads and validates the softphone process configuration.
func LoadSoftphone() (Config, error) {
	c, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := c.ValidateSoftphone(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func read() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intVar(&parseErrs, "APP_PORT", defaultPort)
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.Store.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER"))))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = intVar(&parseErrs, "DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = intVar(&parseErrs, "REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = intVar(&parseErrs, "REDIS_DB", 0)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = durationVar(&parseErrs, "JWT_ACCESS_TTL")

	c.Jambonz.WebhookToken = os.Getenv("JAMBONZ_WEBHOOK_TOKEN")
	c.Jambonz.StreamURL = strings.TrimSpace(os.Getenv("JAMBONZ_STREAM_URL"))
	c.Jambonz.WebRTCURI = envOr("JAMBONZ_WEBRTC_URI", defaultWebRTCURI)
	c.Jambonz.WebRTCUsername = strings.TrimSpace(os.Getenv("JAMBONZ_WEBRTC_USERNAME"))
	c.Jambonz.WebRTCPassword = os.Getenv("JAMBONZ_WEBRTC_PASSWORD")
	c.Jambonz.STTVendor = envOr("JAMBONZ_STT_VENDOR", "google")
	c.Jambonz.STTLanguage = envOr("JAMBONZ_STT_LANGUAGE", "en-US")
	c.Jambonz.TTSVoice = envOr("JAMBONZ_TTS_VOICE", "female")

	c.SIP.WSSServer = envOr("JAMBONZ_SIP_WSS", "wss://sbc.jambonz.local:8443")
	c.SIP.Domain = envOr("JAMBONZ_SIP_DOMAIN", "sbc.jambonz.local")
	c.SIP.Username = strings.TrimSpace(os.Getenv("JAMBONZ_SIP_USERNAME"))
	c.SIP.Password = os.Getenv("JAMBONZ_SIP_PASSWORD")
	c.SIP.DisplayName = strings.TrimSpace(os.Getenv("JAMBONZ_SIP_DISPLAY_NAME"))
	c.SIP.URI = strings.TrimSpace(os.Getenv("JAMBONZ_SIP_URI"))
	c.SIP.TransferDomain = strings.TrimSpace(os.Getenv("SIP_TRANSFER_DOMAIN"))

	servers, err := parseICEServersFromValues(
		os.Getenv(envICEServersJSON),
		os.Getenv(envStunURLs),
		os.Getenv(envTurnURLs),
		os.Getenv(envTurnUsername),
		os.Getenv(envTurnCredential),
	)
	if err != nil {
		parseErrs = append(parseErrs, err)
	}
	c.ICE.Servers = servers

	c.Relay.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("RELAY_BASE_URL")), "/")
	c.Relay.Token = os.Getenv("RELAY_TOKEN")
	c.Relay.PollInterval = durationVar(&parseErrs, "RELAY_POLL_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the api process configuration and fills defaults in place.
func (c *Config) Validate() error {
	errs := c.validateApp()

	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL != "" {
		if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute url, got %q", c.App.PublicBaseURL))
		}
	}

	if c.Store.Driver == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER is required in production"))
		} else {
			c.Store.Driver = StoreMemory
		}
	}
	switch c.Store.Driver {
	case "", StoreMemory:
	case StorePostgres:
		errs = append(errs, c.validateDB()...)
	case StoreRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when STORE_DRIVER=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of memory, postgres, redis, got %q", c.Store.Driver))
	}

	if c.Auth.JWTSecret == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
	} else if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 12 * time.Hour
	}

	if (c.Jambonz.WebRTCUsername == "") != (c.Jambonz.WebRTCPassword == "") {
		errs = append(errs, errors.New("JAMBONZ_WEBRTC_USERNAME and JAMBONZ_WEBRTC_PASSWORD must be set together"))
	}

	return joinErrors(errs)
}

// ValidateSoftphone checks the softphone process configuration and fills
// defaults in place.
func (c *Config) ValidateSoftphone() error {
	errs := c.validateApp()

	if c.Relay.BaseURL == "" {
		errs = append(errs, errors.New("RELAY_BASE_URL is required"))
	} else if u, err := url.Parse(c.Relay.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("RELAY_BASE_URL must be an http(s) url, got %q", c.Relay.BaseURL))
	}
	if c.Relay.PollInterval <= 0 {
		c.Relay.PollInterval = defaultPollInterval
	}
	if c.Relay.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("RELAY_POLL_INTERVAL must be at least 100ms, got %s", c.Relay.PollInterval))
	}
	if c.SIP.WSSServer != "" {
		if u, err := url.Parse(c.SIP.WSSServer); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("JAMBONZ_SIP_WSS must be a ws(s) url, got %q", c.SIP.WSSServer))
		}
	}

	return joinErrors(errs)
}

func (c *Config) validateApp() []error {
	var errs []error
	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	return errs
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required when STORE_DRIVER=postgres"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required when STORE_DRIVER=postgres"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required when STORE_DRIVER=postgres"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Postgres returns connection settings for utils.OpenPostgres. The rendered
// DSN contains secrets; do not log it.
func (c Config) Postgres() utils.PostgresConfig {
	return utils.PostgresConfig{
		Host:     c.DB.Host,
		Port:     strconv.Itoa(c.DB.Port),
		User:     c.DB.User,
		Password: c.DB.Password,
		Name:     c.DB.Name,
		SSLMode:  c.DB.SSLMode,
	}
}

func (c Config) RedisOptions() utils.RedisConfig {
	return utils.RedisConfig{Addr: c.RedisAddr(), Password: c.Redis.Password, DB: c.Redis.DB}
}

// AuthEnabled reports whether relay callers must present a JWT.
func (c Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// intVar parses an optional integer env var, recording a parse failure in errs.
func intVar(errs *[]error, key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func durationVar(errs *[]error, key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
