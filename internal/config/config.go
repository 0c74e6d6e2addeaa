package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every deployment tuning knob for the sync engine. The numeric
// thresholds below are enforcement points, not constants: all of them can be
// overridden through the environment.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// AllowedOrigins is the Origin allow-list checked during the WebSocket
	// handshake. Connections from any other origin are refused.
	AllowedOrigins []string

	// AllowNoOrigin admits handshakes that carry no Origin header at all.
	// Browsers always send one; enable this only for non-browser clients
	// (the sync agent, CLI tooling) that authenticate by cookie alone.
	AllowNoOrigin bool

	// SessionCookie is the name of the cookie carrying the auth session id.
	SessionCookie string

	// FilesDir is the root of per-user attachment storage.
	FilesDir string

	// Persistence
	DebounceInterval time.Duration // per-page write debounce
	StateBlobCap     int64         // above this approx size the CRDT blob is not re-encoded
	DocIdleTimeout   time.Duration // evict live documents idle longer than this
	SweepInterval    time.Duration // how often the eviction sweep runs

	// Protocol defenses
	DocSizeCap     int64         // hard cap on a document's approximate size
	DeltaSizeCap   int64         // max decoded size of a single update
	RateWindow     time.Duration // budget window for per-connection counters
	MsgBudget      int           // total messages per window
	DeltaBudget    int           // CRDT updates per window
	PresenceBudget int           // awareness messages per window
	MaxConnsPerIP  int
	MaxConnsPerSID int // per auth session

	// PermissionTTL bounds how stale a cached permission may get before a
	// long-lived connection is re-validated.
	PermissionTTL time.Duration

	// Presence broadcast coalescing interval.
	PresenceThrottle time.Duration

	SendBufferSize int

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "nteok"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:8080"}),
		AllowNoOrigin:  getEnvBool("WS_ALLOW_NO_ORIGIN", false),
		SessionCookie:  getEnv("SESSION_COOKIE", "nteok_session"),
		FilesDir:       getEnv("FILES_DIR", "./files"),

		DebounceInterval: getEnvDuration("PERSIST_DEBOUNCE", time.Second),
		StateBlobCap:     getEnvInt64("STATE_BLOB_CAP", 5<<20),
		DocIdleTimeout:   getEnvDuration("DOC_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),

		DocSizeCap:     getEnvInt64("DOC_SIZE_CAP", 10<<20),
		DeltaSizeCap:   getEnvInt64("DELTA_SIZE_CAP", 1<<20),
		RateWindow:     getEnvDuration("RATE_WINDOW", 10*time.Second),
		MsgBudget:      getEnvInt("MSG_BUDGET", 500),
		DeltaBudget:    getEnvInt("DELTA_BUDGET", 200),
		PresenceBudget: getEnvInt("PRESENCE_BUDGET", 100),
		MaxConnsPerIP:  getEnvInt("MAX_CONNS_PER_IP", 20),
		MaxConnsPerSID: getEnvInt("MAX_CONNS_PER_SESSION", 8),

		PermissionTTL:    getEnvDuration("PERMISSION_TTL", 30*time.Second),
		PresenceThrottle: getEnvDuration("PRESENCE_THROTTLE", 100*time.Millisecond),

		SendBufferSize: getEnvInt("SEND_BUFFER_SIZE", 256),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return "host=" + c.DBHost + " port=" + c.DBPort + " user=" + c.DBUser +
		" password=" + c.DBPassword + " dbname=" + c.DBName + " sslmode=" + c.DBSSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
