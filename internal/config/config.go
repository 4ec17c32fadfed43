package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	InstanceID  string

	ReconcileInterval    time.Duration
	LoadBalanceInterval  time.Duration
	CheckinSweepInterval time.Duration
	VerifyTimeout        time.Duration
	CheckinExpireAfter   time.Duration
	CheckinPurgeAfter    time.Duration
	CodeReservationTTL   time.Duration

	GeofenceRadiusMeters float64
	ImbalanceThreshold   int

	RateLimitPerMinute         int
	RateLimitBurst             int
	LocationRateLimitPerMinute int
	LocationRateLimitBurst     int

	LogLevel  string
	LogFormat string

	NotifSMSProvider         string
	NotifEmailProvider       string
	NotifMaxAttempts         int
	NotifAlmostReadyPosition int

	// RelayEnabled fans events out through Redis when REDIS_URL is set.
	RelayEnabled bool
}

// Load reads the environment, after a .env file when one is present.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		RedisURL:    os.Getenv("REDIS_URL"),
		InstanceID:  instanceID,

		ReconcileInterval:    readDurationSeconds("RECONCILE_INTERVAL_SECONDS", 15),
		LoadBalanceInterval:  readDurationSeconds("LOAD_BALANCE_INTERVAL_SECONDS", 30),
		CheckinSweepInterval: readDurationSeconds("CHECKIN_SWEEP_INTERVAL_SECONDS", 60),
		VerifyTimeout:        readDurationSeconds("VERIFY_TIMEOUT_SECONDS", 30),
		CheckinExpireAfter:   readDurationSeconds("CHECKIN_EXPIRE_AFTER_SECONDS", 4*60*60),
		CheckinPurgeAfter:    readDurationSeconds("CHECKIN_PURGE_AFTER_SECONDS", 24*60*60),
		CodeReservationTTL:   readDurationSeconds("CHECKIN_CODE_TTL_SECONDS", 24*60*60),

		GeofenceRadiusMeters: float64(readInt("GEOFENCE_RADIUS_METERS", 100)),
		ImbalanceThreshold:   readInt("IMBALANCE_THRESHOLD", 3),

		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 30),
		LocationRateLimitPerMinute: readInt("LOCATION_RATE_LIMIT_PER_MIN", 600),
		LocationRateLimitBurst:     readInt("LOCATION_RATE_LIMIT_BURST", 120),

		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "json"),

		NotifSMSProvider:         readString("NOTIF_SMS_PROVIDER", "log"),
		NotifEmailProvider:       readString("NOTIF_EMAIL_PROVIDER", "log"),
		NotifMaxAttempts:         readInt("NOTIF_MAX_ATTEMPTS", 3),
		NotifAlmostReadyPosition: readInt("NOTIF_ALMOST_READY_POSITION", 2),

		RelayEnabled: readBool("EVENT_RELAY_ENABLED", true),
	}
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
