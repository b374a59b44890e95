package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the api and worker processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	EventBus  EventBusConfig
	CallState CallStateConfig
	Routing   RoutingConfig
	Worker    WorkerConfig
}

type AppConfig struct {
	Env  string
	Port int
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
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AuthToken string
	// PublicBaseURL is the externally visible origin used to build
	// gather/status callback URLs and to verify webhook signatures.
	PublicBaseURL string
	// SkipSignature disables X-Twilio-Signature checks. Never allowed in production.
	SkipSignature bool
}

// EventBusConfig controls the durable stream backing the event bus.
type EventBusConfig struct {
	Stream    string
	MaxLen    int64
	BatchSize int64
	Block     time.Duration
	// ClaimIdle is how long a pending entry may sit unacknowledged before
	// another consumer in the group reclaims it.
	ClaimIdle time.Duration
}

type CallStateConfig struct {
	TTL time.Duration
}

type RoutingConfig struct {
	// MinCallsForScore is the historical call volume a buyer needs before its
	// performance score is trusted (tier1).
	MinCallsForScore int
	DefaultMode      string
}

type WorkerConfig struct {
	GRPCPort int
	Group    string
	Consumer string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TWILIO_PUBLIC_BASE_URL")), "/")
	c.Twilio.SkipSignature = strings.EqualFold(strings.TrimSpace(os.Getenv("TWILIO_SKIP_SIGNATURE")), "true")

	c.EventBus.Stream = strings.TrimSpace(os.Getenv("EVENTBUS_STREAM"))
	{
		n, err := optionalInt("EVENTBUS_MAXLEN")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.EventBus.MaxLen = int64(n)
	}
	{
		n, err := optionalInt("EVENTBUS_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.EventBus.BatchSize = int64(n)
	}
	c.EventBus.Block = mustDuration("EVENTBUS_BLOCK")
	c.EventBus.ClaimIdle = mustDuration("EVENTBUS_CLAIM_IDLE")

	c.CallState.TTL = mustDuration("CALLSTATE_TTL")

	{
		n, err := optionalInt("ROUTING_MIN_CALLS_FOR_SCORE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Routing.MinCallsForScore = n
	}
	c.Routing.DefaultMode = strings.ToUpper(strings.TrimSpace(os.Getenv("ROUTING_DEFAULT_MODE")))

	{
		n, err := optionalInt("WORKER_GRPC_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Worker.GRPCPort = n
	}
	c.Worker.Group = strings.TrimSpace(os.Getenv("WORKER_GROUP"))
	c.Worker.Consumer = strings.TrimSpace(os.Getenv("WORKER_CONSUMER"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Twilio.SkipSignature {
			errs = append(errs, errors.New("TWILIO_SKIP_SIGNATURE is not allowed in production"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.EventBus.Stream == "" {
		c.EventBus.Stream = "events:stream"
	}
	if c.EventBus.MaxLen <= 0 {
		c.EventBus.MaxLen = 100000
	}
	if c.EventBus.BatchSize <= 0 {
		c.EventBus.BatchSize = 10
	}
	if c.EventBus.Block <= 0 {
		c.EventBus.Block = time.Second
	}
	if c.EventBus.ClaimIdle <= 0 {
		c.EventBus.ClaimIdle = 30 * time.Second
	}

	if c.CallState.TTL <= 0 {
		c.CallState.TTL = 24 * time.Hour
	}

	if c.Routing.MinCallsForScore <= 0 {
		c.Routing.MinCallsForScore = 50
	}
	if c.Routing.DefaultMode == "" {
		c.Routing.DefaultMode = "HYBRID"
	}
	if !isValidRoutingMode(c.Routing.DefaultMode) {
		errs = append(errs, fmt.Errorf("ROUTING_DEFAULT_MODE must be one of STATIC, PERFORMANCE, HYBRID, got %q", c.Routing.DefaultMode))
	}

	if c.Worker.GRPCPort == 0 {
		c.Worker.GRPCPort = 9090
	}
	if c.Worker.GRPCPort < 0 || c.Worker.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("WORKER_GRPC_PORT must be a valid port, got %d", c.Worker.GRPCPort))
	}
	if c.Worker.Group == "" {
		c.Worker.Group = "call-lifecycle"
	}
	if c.Worker.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.Worker.Consumer = host
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) WorkerGRPCAddr() string {
	return fmt.Sprintf(":%d", c.Worker.GRPCPort)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 when the key is unset so Validate can apply a default.
func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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

func isValidRoutingMode(v string) bool {
	switch v {
	case "STATIC", "PERFORMANCE", "HYBRID":
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
