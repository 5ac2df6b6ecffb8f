// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// Envelope encryption. MasterKey wraps data keys on new records;
	// PreviousMasterKeys are decrypt-only, keyed by version tag.
	MasterKey          []byte
	MasterKeyVersion   string
	PreviousMasterKeys map[string][]byte

	DBPath     string
	ListenAddr string

	// Shared cache/lock backend. Empty RedisAddr selects the in-process
	// fallback for both.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CacheTTL     time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
	LockDisabled bool

	GraphBaseURL     string
	WarmCheckTimeout time.Duration

	RetentionSchedule    string
	RetentionKeep        int
	RetentionErrorMaxAge time.Duration
	RetentionExpiryGrace time.Duration

	TelegramBotToken string
	TelegramChatID   string

	AdminAPIKey string
}

// MasterKeys returns every loaded master key indexed by version, suitable for
// constructing the envelope cipher. The active version is always present.
func (c *Config) MasterKeys() map[string][]byte {
	keys := make(map[string][]byte, len(c.PreviousMasterKeys)+1)
	for version, key := range c.PreviousMasterKeys {
		keys[version] = key
	}
	keys[c.MasterKeyVersion] = c.MasterKey
	return keys
}

// Load reads configuration from environment variables and returns a validated Config.
// PAGEVAULT_MASTER_KEY (64 hex chars) is required; everything else has a default.
// PAGEVAULT_PREVIOUS_MASTER_KEYS accepts comma-separated version:hexkey pairs kept
// for decrypting records wrapped under retired master keys.
func Load() (*Config, error) {
	masterKey, err := parseHexKey("PAGEVAULT_MASTER_KEY", os.Getenv("PAGEVAULT_MASTER_KEY"))
	if err != nil {
		return nil, err
	}

	masterKeyVersion := "v1"
	if v, ok := os.LookupEnv("PAGEVAULT_MASTER_KEY_VERSION"); ok && v != "" {
		masterKeyVersion = v
	}

	previousKeys, err := parsePreviousKeys(os.Getenv("PAGEVAULT_PREVIOUS_MASTER_KEYS"))
	if err != nil {
		return nil, err
	}
	if _, ok := previousKeys[masterKeyVersion]; ok {
		return nil, fmt.Errorf("PAGEVAULT_PREVIOUS_MASTER_KEYS must not repeat the active version %q", masterKeyVersion)
	}

	dbPath := "pagevault.db"
	if v, ok := os.LookupEnv("PAGEVAULT_DB_PATH"); ok {
		dbPath = v
	}

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("PAGEVAULT_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	redisDB := 0
	if v, ok := os.LookupEnv("PAGEVAULT_REDIS_DB"); ok && v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PAGEVAULT_REDIS_DB has invalid number %q: %w", v, err)
		}
		redisDB = parsed
	}

	cacheTTL, err := durationEnv("PAGEVAULT_CACHE_TTL", 4*time.Hour)
	if err != nil {
		return nil, err
	}

	lockTTL, err := durationEnv("PAGEVAULT_LOCK_TTL", 15*time.Second)
	if err != nil {
		return nil, err
	}

	// The wait budget deliberately exceeds the lock TTL so a crashed holder's
	// entry expires before a waiting caller gives up on exclusivity.
	lockWait, err := durationEnv("PAGEVAULT_LOCK_WAIT", 20*time.Second)
	if err != nil {
		return nil, err
	}

	lockDisabled := false
	if v, ok := os.LookupEnv("PAGEVAULT_LOCK_DISABLED"); ok && v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("PAGEVAULT_LOCK_DISABLED has invalid bool %q: %w", v, err)
		}
		lockDisabled = parsed
	}

	graphBaseURL := "https://graph.facebook.com/v23.0"
	if v, ok := os.LookupEnv("PAGEVAULT_GRAPH_BASE_URL"); ok && v != "" {
		graphBaseURL = v
	}

	warmCheckTimeout, err := durationEnv("PAGEVAULT_WARM_CHECK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	retentionSchedule := "0 4 * * *"
	if v, ok := os.LookupEnv("PAGEVAULT_RETENTION_SCHEDULE"); ok && v != "" {
		retentionSchedule = v
	}

	retentionKeep := 3
	if v, ok := os.LookupEnv("PAGEVAULT_RETENTION_KEEP"); ok && v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return nil, fmt.Errorf("PAGEVAULT_RETENTION_KEEP must be a positive number, got %q", v)
		}
		retentionKeep = parsed
	}

	retentionErrorMaxAge, err := durationEnv("PAGEVAULT_RETENTION_ERROR_MAX_AGE", 720*time.Hour)
	if err != nil {
		return nil, err
	}

	retentionExpiryGrace, err := durationEnv("PAGEVAULT_RETENTION_EXPIRY_GRACE", 168*time.Hour)
	if err != nil {
		return nil, err
	}

	return &Config{
		MasterKey:            masterKey,
		MasterKeyVersion:     masterKeyVersion,
		PreviousMasterKeys:   previousKeys,
		DBPath:               dbPath,
		ListenAddr:           listenAddr,
		RedisAddr:            os.Getenv("PAGEVAULT_REDIS_ADDR"),
		RedisPassword:        os.Getenv("PAGEVAULT_REDIS_PASSWORD"),
		RedisDB:              redisDB,
		CacheTTL:             cacheTTL,
		LockTTL:              lockTTL,
		LockWait:             lockWait,
		LockDisabled:         lockDisabled,
		GraphBaseURL:         graphBaseURL,
		WarmCheckTimeout:     warmCheckTimeout,
		RetentionSchedule:    retentionSchedule,
		RetentionKeep:        retentionKeep,
		RetentionErrorMaxAge: retentionErrorMaxAge,
		RetentionExpiryGrace: retentionExpiryGrace,
		TelegramBotToken:     os.Getenv("PAGEVAULT_TELEGRAM_BOT_TOKEN"),
		TelegramChatID:       os.Getenv("PAGEVAULT_TELEGRAM_CHAT_ID"),
		AdminAPIKey:          os.Getenv("PAGEVAULT_ADMIN_API_KEY"),
	}, nil
}

// durationEnv reads an optional duration variable, falling back to def.
func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", name, v, err)
	}
	return parsed, nil
}

// parseHexKey decodes a 64-hex-char master key into its 32 raw bytes.
func parseHexKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required (64 hex chars)", name)
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be valid hex: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

// parsePreviousKeys parses "v0:hex,v1:hex" pairs into a version-keyed map.
func parsePreviousKeys(raw string) (map[string][]byte, error) {
	keys := map[string][]byte{}
	if raw == "" {
		return keys, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		version, hexKey, found := strings.Cut(pair, ":")
		if !found || version == "" {
			return nil, fmt.Errorf("PAGEVAULT_PREVIOUS_MASTER_KEYS entry %q must be version:hexkey", pair)
		}

		key, err := parseHexKey("PAGEVAULT_PREVIOUS_MASTER_KEYS", hexKey)
		if err != nil {
			return nil, err
		}

		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("PAGEVAULT_PREVIOUS_MASTER_KEYS repeats version %q", version)
		}
		keys[version] = key
	}

	return keys, nil
}
