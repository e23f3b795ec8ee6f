package main

import (
    "context"
    "time"

    "github.com/spf13/viper"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/internal/config"
    "github.com/Ibrahimgamal99/OpDesk/internal/db"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

func loadConfig() error {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("opdesk")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/opdesk")
    }

    // Environment variables
    viper.SetEnvPrefix("OPDESK")
    viper.AutomaticEnv()

    // Defaults
    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return err
        }
        logger.Warn("No config file found, using defaults and environment")
    }

    var err error
    cfg, err = config.Load()
    return err
}

func setDefaults() {
    // Database defaults
    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "asterisk")
    viper.SetDefault("database.password", "asterisk")
    viper.SetDefault("database.database", "asterisk")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")

    // AMI defaults
    viper.SetDefault("ami.host", "localhost")
    viper.SetDefault("ami.port", 5038)
    viper.SetDefault("ami.username", "opdesk")
    viper.SetDefault("ami.action_timeout", "10s")
    viper.SetDefault("ami.ping_interval", "30s")

    // Monitor defaults
    viper.SetDefault("monitor.context", "ext-local")
    viper.SetDefault("monitor.trunk_prefixes", []string{"PJSIP/asterisk-", "SIP/asterisk-"})
    viper.SetDefault("monitor.sync_interval", "60s")

    // CRM defaults
    viper.SetDefault("crm.enabled", false)
    viper.SetDefault("crm.endpoint_path", "/api/calls")
    viper.SetDefault("crm.auth_type", "api_key")
    viper.SetDefault("crm.timeout", "10s")
    viper.SetDefault("crm.queue_size", 256)

    // Push defaults
    viper.SetDefault("push.broadcast_interval", "500ms")

    // Monitoring defaults
    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
}

// initializeDatabase connects MySQL and Redis and runs migrations.
// Returns false when the database is unreachable; the server degrades
// instead of refusing to start.
func initializeDatabase(ctx context.Context) bool {
    dbConfig := db.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }

    if err := db.Initialize(dbConfig); err != nil {
        logger.WithError(err).Warn("Database unavailable, running without missed-call ledger")
        return false
    }
    database = db.GetDB()

    if err := db.RunDatabaseMigrations(database.DB); err != nil {
        logger.WithError(err).Error("Database migrations failed")
        return false
    }

    if cfg.Redis.Host != "" {
        cacheConfig := db.CacheConfig{
            Host:         cfg.Redis.Host,
            Port:         cfg.Redis.Port,
            Password:     cfg.Redis.Password,
            DB:           cfg.Redis.DB,
            PoolSize:     cfg.Redis.PoolSize,
            MinIdleConns: cfg.Redis.MinIdleConns,
            MaxRetries:   cfg.Redis.MaxRetries,
        }
        if err := db.InitializeCache(cacheConfig, "opdesk"); err != nil {
            logger.WithError(err).Warn("Redis unavailable, extension list will not be cached")
        }
    }

    return true
}

func connectAMI(ctx context.Context) error {
    amiClient = ami.NewClient(ami.Config{
        Host:          cfg.AMI.Host,
        Port:          cfg.AMI.Port,
        Username:      cfg.AMI.Username,
        Password:      cfg.AMI.Password,
        ActionTimeout: cfg.AMI.ActionTimeout,
        PingInterval:  cfg.AMI.PingInterval,
    })

    var err error
    for attempt := 1; attempt <= 5; attempt++ {
        if err = amiClient.Connect(ctx); err == nil {
            return nil
        }
        logger.WithField("attempt", attempt).WithError(err).Warn("AMI connection failed, retrying...")
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(time.Duration(attempt) * 2 * time.Second):
        }
    }
    return err
}

// loadExtensions resolves the monitored extension set: the database
// when reachable, the configured fallback list otherwise.
func loadExtensions(ctx context.Context, dbAvailable bool) []string {
    if dbAvailable {
        exts, err := database.LoadExtensions(ctx)
        if err == nil && len(exts) > 0 {
            return exts
        }
        if err != nil {
            logger.WithError(err).Warn("Failed to load extensions from database")
        }
    }
    exts := cfg.Monitor.FallbackExtensions
    if len(exts) == 0 {
        logger.Warn("No extensions configured, nothing to monitor")
    }
    return exts
}
