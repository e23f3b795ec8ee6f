package config

import (
    "time"

    "github.com/spf13/viper"

    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
)

// Config holds all configuration for the application
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    AMI        AMIConfig        `mapstructure:"ami"`
    Monitor    MonitorConfig    `mapstructure:"monitor"`
    CRM        CRMConfig        `mapstructure:"crm"`
    Push       PushConfig       `mapstructure:"push"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type RedisConfig struct {
    Host         string `mapstructure:"host"`
    Port         int    `mapstructure:"port"`
    Password     string `mapstructure:"password"`
    DB           int    `mapstructure:"db"`
    PoolSize     int    `mapstructure:"pool_size"`
    MinIdleConns int    `mapstructure:"min_idle_conns"`
    MaxRetries   int    `mapstructure:"max_retries"`
}

type AMIConfig struct {
    Host          string        `mapstructure:"host"`
    Port          int           `mapstructure:"port"`
    Username      string        `mapstructure:"username"`
    Password      string        `mapstructure:"password"`
    ActionTimeout time.Duration `mapstructure:"action_timeout"`
    PingInterval  time.Duration `mapstructure:"ping_interval"`
}

type MonitorConfig struct {
    // Context is the dialplan context used for extension state queries
    // and transfers.
    Context string `mapstructure:"context"`
    // Queues to track in addition to those discovered from events.
    Queues []string `mapstructure:"queues"`
    // Extensions to monitor when the database is unreachable.
    FallbackExtensions []string      `mapstructure:"fallback_extensions"`
    SyncInterval       time.Duration `mapstructure:"sync_interval"`
    TrunkPrefixes      []string      `mapstructure:"trunk_prefixes"`
}

type CRMConfig struct {
    Enabled      bool          `mapstructure:"enabled"`
    Server       string        `mapstructure:"server"`
    EndpointPath string        `mapstructure:"endpoint_path"`
    AuthType     string        `mapstructure:"auth_type"`
    APIKey       string        `mapstructure:"api_key"`
    Username     string        `mapstructure:"username"`
    Password     string        `mapstructure:"password"`
    Token        string        `mapstructure:"token"`
    Timeout      time.Duration `mapstructure:"timeout"`
    QueueSize    int           `mapstructure:"queue_size"`
}

type PushConfig struct {
    BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

type MonitoringConfig struct {
    Metrics struct {
        Enabled bool   `mapstructure:"enabled"`
        Port    int    `mapstructure:"port"`
        Path    string `mapstructure:"path"`
    } `mapstructure:"metrics"`
    Health struct {
        Enabled       bool   `mapstructure:"enabled"`
        Port          int    `mapstructure:"port"`
        LivenessPath  string `mapstructure:"liveness_path"`
        ReadinessPath string `mapstructure:"readiness_path"`
    } `mapstructure:"health"`
    Logging struct {
        Level  string `mapstructure:"level"`
        Format string `mapstructure:"format"`
        Output string `mapstructure:"output"`
        File   struct {
            Enabled    bool   `mapstructure:"enabled"`
            Path       string `mapstructure:"path"`
            MaxSize    int    `mapstructure:"max_size"`
            MaxBackups int    `mapstructure:"max_backups"`
            MaxAge     int    `mapstructure:"max_age"`
            Compress   bool   `mapstructure:"compress"`
        } `mapstructure:"file"`
    } `mapstructure:"logging"`
}

// Load unmarshals the already-read viper state into typed config.
func Load() (*Config, error) {
    var cfg Config
    if err := viper.Unmarshal(&cfg); err != nil {
        return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to parse configuration")
    }
    return &cfg, nil
}
