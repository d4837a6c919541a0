package app

import "time"

// Backend selection values for Config.BackendKind.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRemote   = "remote"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// CORS policy for the HTTP surface. Origins may end in ":*" to allow any
	// port on that host (useful for local dev servers).
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// BackendKind selects the message backend: memory, postgres, or remote.
	BackendKind string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	RemoteURL    string
	RemoteOrigin string

	// ActorID identifies the local user this node acts for.
	ActorID string

	HistoryLimit      int
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration

	// If true:
	// - /readyz returns 503 unless the postgres backend is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COMMUNE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COMMUNE_LOG_LEVEL", "info"),
		LogFormat: EnvString("COMMUNE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COMMUNE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COMMUNE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COMMUNE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COMMUNE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COMMUNE_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvCSV("COMMUNE_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("COMMUNE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COMMUNE_CORS_MAX_AGE_SECONDS", 600),

		BackendKind: EnvString("COMMUNE_BACKEND", BackendMemory),

		DatabaseURL: EnvString("COMMUNE_DATABASE_URL", ""),
		DBSchema:    EnvString("COMMUNE_DB_SCHEMA", "commune"),
		DBMaxConns:  EnvInt32("COMMUNE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("COMMUNE_DB_MIN_CONNS", 0),

		RemoteURL:    EnvString("COMMUNE_REMOTE_URL", ""),
		RemoteOrigin: EnvString("COMMUNE_REMOTE_ORIGIN", ""),

		ActorID: EnvString("COMMUNE_ACTOR_ID", ""),

		HistoryLimit:      EnvInt("COMMUNE_HISTORY_LIMIT", 50),
		HeartbeatInterval: EnvDuration("COMMUNE_HEARTBEAT_INTERVAL", 20*time.Second),
		SweepInterval:     EnvDuration("COMMUNE_PRESENCE_SWEEP_INTERVAL", time.Second),

		ReadinessRequireDB: EnvBool("COMMUNE_READINESS_REQUIRE_DB", false),
	}
}
