package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func loadEnvString(key string, result *string) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	*result = s
}

func loadEnvUint(key string, result *uint) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = uint(n)
}

func loadEnvInt(key string, result *int) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Msg("Ignoring non-numeric env value")
		return
	}
	*result = n
}

func loadEnvBool(key string, result *bool) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Msg("Ignoring non-boolean env value")
		return
	}
	*result = b
}

// loadEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func loadEnvDuration(key string, result *time.Duration) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*result = d
		return
	}
	if n, err := strconv.Atoi(s); err == nil {
		*result = time.Duration(n) * time.Second
		return
	}
	log.Warn().Str("key", key).Str("value", s).Msg("Ignoring invalid duration env value")
}

/* Configuration */

/* PgSQL Configuration */
type pgSqlConfig struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Database string `json:"database"`
	SslMode  string `json:"ssl_mode"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (p pgSqlConfig) ConnStr() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s", p.Host, p.Port, p.User, p.Password, p.Database, p.SslMode)
}

// MigrationURL is the pgx5:// form expected by golang-migrate.
func (p pgSqlConfig) MigrationURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.Database, p.SslMode)
}

func defaultPgSql() pgSqlConfig {
	return pgSqlConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "twitbot",
		User:     "",
		Password: "",
		SslMode:  "disable",
	}
}

func (p *pgSqlConfig) loadFromEnv() {
	loadEnvString("POSTGRES_HOST", &p.Host)
	loadEnvUint("POSTGRES_PORT", &p.Port)
	loadEnvString("POSTGRES_DB_NAME", &p.Database)
	loadEnvString("POSTGRES_SSLMODE", &p.SslMode)
	loadEnvString("POSTGRES_USERNAME", &p.User)
	loadEnvString("POSTGRES_PASSWORD", &p.Password)
}

/* Listen Configuration */

type listenConfig struct {
	Host string `json:"host"`
	Port uint   `json:"port"`
}

func (l listenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

func defaultListenConfig() listenConfig {
	return listenConfig{
		Host: "127.0.0.1",
		Port: 3000,
	}
}

func (l *listenConfig) loadFromEnv() {
	loadEnvString("LISTEN_HOST", &l.Host)
	loadEnvUint("LISTEN_PORT", &l.Port)
}

type logConfig struct {
	Level  string
	Pretty bool
}

func (l *logConfig) loadFromEnv() {
	loadEnvString("LOG_LEVEL", &l.Level)
	loadEnvBool("LOG_PRETTY", &l.Pretty)
}

func defaultLogConfig() logConfig {
	return logConfig{
		Level:  "info",
		Pretty: false,
	}
}

type natsConfig struct {
	Enabled  bool
	Host     string
	Port     uint
	Username string
	Password string
	Stream   string
}

func (c *natsConfig) loadFromEnv() {
	loadEnvBool("NATS_ENABLED", &c.Enabled)
	c.Host = getEnv("NATS_HOST", c.Host)
	loadEnvUint("NATS_PORT", &c.Port)
	c.Username = getEnv("NATS_USER", "")
	c.Password = getEnv("NATS_PASSWORD", "")
	loadEnvString("NATS_STREAM", &c.Stream)
}

func (c *natsConfig) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

func defaultNatsConfig() natsConfig {
	return natsConfig{
		Enabled:  false,
		Host:     "localhost",
		Port:     4222,
		Username: "",
		Password: "",
		Stream:   "TWITBOT",
	}
}

type securityConfig struct {
	BackendApiKey string
}

func (s *securityConfig) loadFromEnv() {
	s.BackendApiKey = getEnv("BACKEND_API_KEY", "")
}

func defaultSecurityConfig() securityConfig {
	return securityConfig{
		BackendApiKey: "",
	}
}

type redisConfig struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

func (r *redisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (r *redisConfig) loadFromEnv() {
	loadEnvString("REDIS_HOST", &r.Host)
	loadEnvUint("REDIS_PORT", &r.Port)
	loadEnvString("REDIS_PASSWORD", &r.Password)
	loadEnvInt("REDIS_DB", &r.DB)
	log.Info().Interface("redis", r).Msg("Redis config loaded")
}

func defaultRedisConfig() redisConfig {
	return redisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       0,
	}
}

type GCSConfig struct {
	ProjectID       string
	CredentialsFile string
	Bucket          string
}

// Enabled reports whether debug artifacts should be uploaded.
func (g GCSConfig) Enabled() bool {
	return g.Bucket != "" && g.CredentialsFile != ""
}

func (g *GCSConfig) loadFromEnv() {
	g.ProjectID = getEnv("GCS_PROJECT_ID", "")
	g.CredentialsFile = getEnv("GCS_CREDENTIALS_FILE", "")
	g.Bucket = getEnv("GCS_STORAGE_BUCKET", "")
}

func defaultGcsConfig() GCSConfig {
	return GCSConfig{
		ProjectID:       "",
		CredentialsFile: "",
		Bucket:          "",
	}
}

/* Telegram Configuration */

type telegramConfig struct {
	BotToken   string
	ChannelID  string
	APIBaseURL string
	ConfigFile string
	Timeout    time.Duration
}

// Enabled reports whether the delivery channel has credentials.
func (t telegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChannelID != ""
}

type telegramFileConfig struct {
	BotToken  string `json:"botToken"`
	ChannelID string `json:"channelId"`
}

func (t *telegramConfig) loadFromEnv() {
	loadEnvString("TELEGRAM_BOT_TOKEN", &t.BotToken)
	loadEnvString("TELEGRAM_CHANNEL_ID", &t.ChannelID)
	loadEnvString("TELEGRAM_API_BASE_URL", &t.APIBaseURL)
	loadEnvString("TELEGRAM_CONFIG_FILE", &t.ConfigFile)
	loadEnvDuration("TELEGRAM_TIMEOUT", &t.Timeout)

	if t.Enabled() || t.ConfigFile == "" {
		return
	}

	raw, err := os.ReadFile(t.ConfigFile)
	if err != nil {
		log.Warn().Str("file", t.ConfigFile).Msg("No Telegram config found, delivery channel disabled")
		return
	}
	var fc telegramFileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		log.Warn().Err(err).Str("file", t.ConfigFile).Msg("Invalid Telegram config file")
		return
	}
	if t.BotToken == "" {
		t.BotToken = fc.BotToken
	}
	if t.ChannelID == "" {
		t.ChannelID = fc.ChannelID
	}
}

func defaultTelegramConfig() telegramConfig {
	return telegramConfig{
		APIBaseURL: "https://api.telegram.org",
		ConfigFile: "./telegram-config.json",
		Timeout:    30 * time.Second,
	}
}

/* Browser Configuration */

type browserConfig struct {
	// ControlURL connects to an already running browser instead of launching one.
	ControlURL   string
	Bin          string
	Headless     bool
	WindowWidth  int
	WindowHeight int
	// KeepWarm keeps the session open when the keyword queue drains.
	KeepWarm bool
}

func (b *browserConfig) loadFromEnv() {
	loadEnvString("BROWSER_CONTROL_URL", &b.ControlURL)
	loadEnvString("BROWSER_BIN", &b.Bin)
	loadEnvBool("BROWSER_HEADLESS", &b.Headless)
	loadEnvInt("BROWSER_WINDOW_WIDTH", &b.WindowWidth)
	loadEnvInt("BROWSER_WINDOW_HEIGHT", &b.WindowHeight)
	loadEnvBool("BROWSER_KEEP_WARM", &b.KeepWarm)
}

func defaultBrowserConfig() browserConfig {
	return browserConfig{
		Headless:     false,
		WindowWidth:  1280,
		WindowHeight: 800,
		KeepWarm:     false,
	}
}

/* Crawler Configuration */

type crawlerConfig struct {
	SearchBaseURL         string
	MaxRecords            int
	MaxIterations         int
	MaxStagnantIterations int
	SettleDelay           time.Duration
	PostWaitTimeout       time.Duration
	JobTimeout            time.Duration
	ScrollStep            int
	ScrollMinDistance     int
	ScrollMaxDistance     int
	ScrollMinPause        time.Duration
	ScrollMaxPause        time.Duration
	IterationPause        time.Duration
}

func (c *crawlerConfig) loadFromEnv() {
	loadEnvString("CRAWLER_SEARCH_BASE_URL", &c.SearchBaseURL)
	loadEnvInt("CRAWLER_MAX_RECORDS", &c.MaxRecords)
	loadEnvInt("CRAWLER_MAX_ITERATIONS", &c.MaxIterations)
	loadEnvInt("CRAWLER_MAX_STAGNANT_ITERATIONS", &c.MaxStagnantIterations)
	loadEnvDuration("CRAWLER_SETTLE_DELAY", &c.SettleDelay)
	loadEnvDuration("CRAWLER_POST_WAIT_TIMEOUT", &c.PostWaitTimeout)
	loadEnvDuration("CRAWLER_JOB_TIMEOUT", &c.JobTimeout)
	loadEnvInt("CRAWLER_SCROLL_STEP", &c.ScrollStep)
	loadEnvInt("CRAWLER_SCROLL_MIN_DISTANCE", &c.ScrollMinDistance)
	loadEnvInt("CRAWLER_SCROLL_MAX_DISTANCE", &c.ScrollMaxDistance)
	loadEnvDuration("CRAWLER_SCROLL_MIN_PAUSE", &c.ScrollMinPause)
	loadEnvDuration("CRAWLER_SCROLL_MAX_PAUSE", &c.ScrollMaxPause)
	loadEnvDuration("CRAWLER_ITERATION_PAUSE", &c.IterationPause)
}

func defaultCrawlerConfig() crawlerConfig {
	return crawlerConfig{
		SearchBaseURL:         "https://x.com/search",
		MaxRecords:            20,
		MaxIterations:         15,
		MaxStagnantIterations: 2,
		SettleDelay:           time.Second,
		PostWaitTimeout:       20 * time.Second,
		JobTimeout:            3 * time.Minute,
		ScrollStep:            100,
		ScrollMinDistance:     600,
		ScrollMaxDistance:     1400,
		ScrollMinPause:        100 * time.Millisecond,
		ScrollMaxPause:        200 * time.Millisecond,
		IterationPause:        time.Second,
	}
}

/* Scheduler Configuration */

type schedulerConfig struct {
	Spec string
	// Enabled and Keywords seed the persisted settings on first start.
	Enabled  bool
	Keywords string
}

func (s *schedulerConfig) loadFromEnv() {
	loadEnvString("SCHEDULER_SPEC", &s.Spec)
	loadEnvBool("SCHEDULER_ENABLED", &s.Enabled)
	loadEnvString("SCHEDULER_KEYWORDS", &s.Keywords)
}

func defaultSchedulerConfig() schedulerConfig {
	return schedulerConfig{
		Spec:     "@every 5m",
		Enabled:  false,
		Keywords: "",
	}
}

/* Delivery Configuration */

type deliveryConfig struct {
	PollInterval        time.Duration
	BatchSize           int
	MessageDelay        time.Duration
	MaxRateLimitRetries int
	DefaultRetryAfter   time.Duration
	MaxAttempts         int
	SendTimeout         time.Duration
}

func (d *deliveryConfig) loadFromEnv() {
	loadEnvDuration("DELIVERY_POLL_INTERVAL", &d.PollInterval)
	loadEnvInt("DELIVERY_BATCH_SIZE", &d.BatchSize)
	loadEnvDuration("DELIVERY_MESSAGE_DELAY", &d.MessageDelay)
	loadEnvInt("DELIVERY_MAX_RATE_LIMIT_RETRIES", &d.MaxRateLimitRetries)
	loadEnvDuration("DELIVERY_DEFAULT_RETRY_AFTER", &d.DefaultRetryAfter)
	loadEnvInt("DELIVERY_MAX_ATTEMPTS", &d.MaxAttempts)
	loadEnvDuration("DELIVERY_SEND_TIMEOUT", &d.SendTimeout)
}

func defaultDeliveryConfig() deliveryConfig {
	return deliveryConfig{
		PollInterval:        5 * time.Second,
		BatchSize:           5,
		MessageDelay:        2 * time.Second,
		MaxRateLimitRetries: 3,
		DefaultRetryAfter:   30 * time.Second,
		MaxAttempts:         5,
		SendTimeout:         30 * time.Second,
	}
}

/* Ingest Configuration */

type ingestConfig struct {
	MaxBatchSize int
	// WarnBatchSize logs a security warning for producers far above the cap.
	WarnBatchSize int
}

func (i *ingestConfig) loadFromEnv() {
	loadEnvInt("INGEST_MAX_BATCH_SIZE", &i.MaxBatchSize)
	loadEnvInt("INGEST_WARN_BATCH_SIZE", &i.WarnBatchSize)
}

func defaultIngestConfig() ingestConfig {
	return ingestConfig{
		MaxBatchSize:  20,
		WarnBatchSize: 25,
	}
}

type Config struct {
	Listen    listenConfig
	Log       logConfig
	PgSql     pgSqlConfig
	Security  securityConfig
	Nats      natsConfig
	Redis     redisConfig
	GCS       GCSConfig
	Telegram  telegramConfig
	Browser   browserConfig
	Crawler   crawlerConfig
	Scheduler schedulerConfig
	Delivery  deliveryConfig
	Ingest    ingestConfig
}

func (c *Config) LoadFromEnv() {
	c.Listen.loadFromEnv()
	c.Log.loadFromEnv()
	c.PgSql.loadFromEnv()
	c.Security.loadFromEnv()
	c.Nats.loadFromEnv()
	c.Redis.loadFromEnv()
	c.GCS.loadFromEnv()
	c.Telegram.loadFromEnv()
	c.Browser.loadFromEnv()
	c.Crawler.loadFromEnv()
	c.Scheduler.loadFromEnv()
	c.Delivery.loadFromEnv()
	c.Ingest.loadFromEnv()
}

// SplitKeywords turns a comma-separated keyword list into trimmed, non-empty terms.
func SplitKeywords(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
}

func DefaultConfig() Config {
	return Config{
		Listen:    defaultListenConfig(),
		Log:       defaultLogConfig(),
		PgSql:     defaultPgSql(),
		Security:  defaultSecurityConfig(),
		Nats:      defaultNatsConfig(),
		Redis:     defaultRedisConfig(),
		GCS:       defaultGcsConfig(),
		Telegram:  defaultTelegramConfig(),
		Browser:   defaultBrowserConfig(),
		Crawler:   defaultCrawlerConfig(),
		Scheduler: defaultSchedulerConfig(),
		Delivery:  defaultDeliveryConfig(),
		Ingest:    defaultIngestConfig(),
	}
}
