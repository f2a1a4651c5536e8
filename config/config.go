package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	config     *Config
	configOnce sync.Once
)

// Config stores all configuration of the application
type Config struct {
	// Environment type
	EnvType string

	// Database
	DBHost          string
	DBUser          string
	DBPassword      string
	DBName          string
	DBPort          string
	DBMigrationMode string // 数据库迁移模式: "auto"(默认), "drop"(删除重建)

	// Server
	ServerPort string

	// Event listener (terminals push access events here)
	EventListenPort   string
	EventBufferSize   int
	EventBatchSize    int
	EventBatchWait    time.Duration
	EventCallbackHost string // 终端可达的本服务地址，用于下发事件推送配置

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MQTT broadcast
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTEnabled   bool

	// Task queue
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	SyncTimeout      time.Duration

	// Device communication
	DeviceTimeout    time.Duration
	DevicePause      time.Duration // 设备间同步的间隔，避免压垮终端上的嵌入式HTTP服务
	DevicePingPeriod time.Duration

	// Hikvision defaults
	HikDefaultHTTPPort int
	HikDefaultSVRPort  int
	HikFaceLibType     string
	HikFaceLibName     string

	// JWT Authentication
	JWTSecretKey string

	// Admin
	DefaultAdminPassword string
}

// LoadConfig loads config from environment variables based on ENV_TYPE
func LoadConfig() *Config {
	// Get environment type (default to LOCAL if not set)
	envType := getEnv("ENV_TYPE", "LOCAL")
	prefix := ""

	// Set prefix based on environment type
	if strings.ToUpper(envType) == "LOCAL" {
		prefix = "LOCAL_"
	} else if strings.ToUpper(envType) == "SERVER" {
		prefix = "SERVER_"
	} else {
		fmt.Printf("Warning: Unknown ENV_TYPE '%s', defaulting to LOCAL environment\n", envType)
		prefix = "LOCAL_"
		envType = "LOCAL"
	}

	fmt.Printf("Loading configuration for environment: %s\n", envType)

	return &Config{
		// Environment type
		EnvType: envType,

		// Database config - use environment-specific variables if available
		DBHost:          getEnv(prefix+"DB_HOST", getEnv("DB_HOST", "localhost")),
		DBUser:          getEnv(prefix+"DB_USER", getEnv("DB_USER", "root")),
		DBPassword:      getEnv(prefix+"DB_PASSWORD", getEnv("DB_PASSWORD", "")),
		DBName:          getEnv(prefix+"DB_NAME", getEnv("DB_NAME", "facial_sync_db")),
		DBPort:          getEnv(prefix+"DB_PORT", getEnv("DB_PORT", "3306")),
		DBMigrationMode: getEnv(prefix+"DB_MIGRATION_MODE", getEnv("DB_MIGRATION_MODE", "auto")),

		// Server config
		ServerPort: getEnv(prefix+"SERVER_PORT", getEnv("SERVER_PORT", "5000")),

		// Event listener config
		EventListenPort:   getEnv("EVENT_LISTEN_PORT", "8080"),
		EventBufferSize:   getEnvAsInt("EVENT_BUFFER_SIZE", 1000),
		EventBatchSize:    getEnvAsInt("EVENT_BATCH_SIZE", 50),
		EventBatchWait:    getEnvAsDuration("EVENT_BATCH_WAIT_MS", 1000) * time.Millisecond,
		EventCallbackHost: getEnv("EVENT_CALLBACK_HOST", ""),

		// Redis config
		RedisHost:     getEnv(prefix+"REDIS_HOST", getEnv("REDIS_HOST", "localhost")),
		RedisPort:     getEnv(prefix+"REDIS_PORT", getEnv("REDIS_PORT", "6379")),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// MQTT config
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "facial-sync-service"),
		MQTTUsername:  getEnv("MQTT_USERNAME", ""),
		MQTTPassword:  getEnv("MQTT_PASSWORD", ""),
		MQTTEnabled:   getEnvAsBool("MQTT_ENABLED", false),

		// Task queue config
		MaxRetryAttempts: getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvAsDuration("RETRY_DELAY_SECONDS", 60) * time.Second,
		SyncTimeout:      getEnvAsDuration("SYNC_TIMEOUT", 60) * time.Second,

		// Device config
		DeviceTimeout:    getEnvAsDuration("DEVICE_TIMEOUT", 10) * time.Second,
		DevicePause:      getEnvAsDuration("DEVICE_PAUSE_MS", 500) * time.Millisecond,
		DevicePingPeriod: getEnvAsDuration("DEVICE_PING_INTERVAL", 60) * time.Second,

		// Hikvision config
		HikDefaultHTTPPort: getEnvAsInt("HIK_DEFAULT_HTTP_PORT", 80),
		HikDefaultSVRPort:  getEnvAsInt("HIK_DEFAULT_SVR_PORT", 8000),
		HikFaceLibType:     getEnv("HIK_FACE_LIB_TYPE", "blackFD"),
		HikFaceLibName:     getEnv("HIK_FACE_LIB_NAME", "FacialSyncService Library"),

		// JWT Config
		JWTSecretKey: getEnv("JWT_SECRET_KEY", "facial-sync-secret-key-change-in-production"),

		// Admin Config
		DefaultAdminPassword: getEnv("DEFAULT_ADMIN_PASSWORD", "admin123"),
	}
}

// GetConfig returns the application configuration as a singleton
func GetConfig() *Config {
	configOnce.Do(func() {
		config = LoadConfig()
	})
	return config
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// GetRedisAddr returns the Redis connection address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration reads an integer environment variable as a raw duration count,
// the caller multiplies by the unit
func getEnvAsDuration(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue))
}
