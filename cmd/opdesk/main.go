package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/Ibrahimgamal99/OpDesk/internal/ami"
    "github.com/Ibrahimgamal99/OpDesk/internal/config"
    "github.com/Ibrahimgamal99/OpDesk/internal/crm"
    "github.com/Ibrahimgamal99/OpDesk/internal/db"
    "github.com/Ibrahimgamal99/OpDesk/internal/health"
    "github.com/Ibrahimgamal99/OpDesk/internal/metrics"
    "github.com/Ibrahimgamal99/OpDesk/internal/monitor"
    "github.com/Ibrahimgamal99/OpDesk/internal/notify"
    "github.com/Ibrahimgamal99/OpDesk/internal/push"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

var (
    configFile string
    serveMode  bool
    verbose    bool

    cfg *config.Config

    // Global services
    database   *db.DB
    amiClient  *ami.Client
    mon        *monitor.Monitor
    hub        *push.Hub
    recorder   *notify.Recorder
    publisher  *crm.Publisher
    healthSvc  *health.HealthService
    metricsSvc *metrics.PrometheusMetrics
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&serveMode, "serve", false, "Run the monitoring server")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    if serveMode {
        runServerMode()
        return
    }

    runCLI()
}

func runServerMode() {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    if err := loadConfig(); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
        os.Exit(1)
    }

    logConfig := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }
    if verbose {
        logConfig.Level = "debug"
    }
    if err := logger.Init(logConfig); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    // The database is optional at startup: without it there is no
    // missed-call ledger and the extension list falls back to the
    // configured set, but monitoring still works.
    dbAvailable := initializeDatabase(ctx)

    if err := connectAMI(ctx); err != nil {
        logger.Fatal("Failed to connect to AMI: ", err)
    }

    buildPipeline(dbAvailable)

    // Load the monitored extensions.
    exts := loadExtensions(ctx, dbAvailable)
    mon.SetMonitored(exts)
    mon.TrackQueues(cfg.Monitor.Queues)
    logger.WithField("count", len(exts)).Info("Monitoring extensions")

    // Prime the state before consuming live events.
    if err := mon.FullSync(); err != nil {
        logger.WithError(err).Warn("Initial sync incomplete")
    }
    if err := amiClient.SetEventMask("on"); err != nil {
        logger.Fatal("Failed to enable AMI events: ", err)
    }

    go mon.Run(ctx)
    go hub.Run(ctx)
    go resyncLoop(ctx)

    startMonitoring(dbAvailable)

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
    <-sigChan
    logger.Info("Shutting down")

    cancel()
    if publisher != nil {
        publisher.Stop()
    }
    if recorder != nil {
        recorder.Stop()
    }
    if healthSvc != nil {
        healthSvc.Stop()
    }
    amiClient.Close()
    logger.Info("Shutdown complete")
}

// buildPipeline wires the correlator, the CRM publisher, the
// missed-call recorder and the push hub together.
func buildPipeline(dbAvailable bool) {
    var crmSink monitor.CRMSink
    if cfg.CRM.Enabled {
        client := crm.NewClient(crm.Config{
            Server:       cfg.CRM.Server,
            EndpointPath: cfg.CRM.EndpointPath,
            AuthType:     cfg.CRM.AuthType,
            APIKey:       cfg.CRM.APIKey,
            Username:     cfg.CRM.Username,
            Password:     cfg.CRM.Password,
            Token:        cfg.CRM.Token,
            Timeout:      cfg.CRM.Timeout,
        })
        publisher = crm.NewPublisher(client, cfg.CRM.QueueSize)
        publisher.Start(context.Background())
        crmSink = publisher
    }

    var notifier monitor.NotificationSink
    if dbAvailable {
        recorder = notify.NewDBRecorder(func(ext string) {
            hub.NotifyMissedCall(ext)
        })
        recorder.Start(context.Background())
        notifier = recorder
    }

    mon = monitor.New(amiClient, monitor.Options{
        Context:       cfg.Monitor.Context,
        TrunkPrefixes: cfg.Monitor.TrunkPrefixes,
        CRM:           crmSink,
        Notifier:      notifier,
        OnChange:      func() { hub.Wake() },
    })

    hub = push.NewHub(mon, cfg.Push.BroadcastInterval)
}

// resyncLoop periodically reconciles state against Asterisk; events
// alone drift over restarts and missed frames.
func resyncLoop(ctx context.Context) {
    interval := cfg.Monitor.SyncInterval
    if interval <= 0 {
        interval = time.Minute
    }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if err := mon.FullSync(); err != nil {
                logger.WithError(err).Warn("Periodic sync incomplete")
            }
            hub.Wake()
        }
    }
}

func startMonitoring(dbAvailable bool) {
    metricsSvc = metrics.Default()

    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)

        healthSvc.RegisterLivenessCheck("ami", health.CheckFunc(func(ctx context.Context) error {
            if !amiClient.IsConnected() {
                return fmt.Errorf("AMI not connected")
            }
            return nil
        }))
        healthSvc.RegisterReadinessCheck("ami", health.CheckFunc(func(ctx context.Context) error {
            if !amiClient.IsLoggedIn() {
                return fmt.Errorf("AMI not logged in")
            }
            return nil
        }))
        if dbAvailable {
            healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
                return database.PingContext(ctx)
            }))
        }

        go healthSvc.Start()
    }

    if cfg.Monitoring.Metrics.Enabled {
        go metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    go func() {
        ticker := time.NewTicker(10 * time.Second)
        defer ticker.Stop()
        for range ticker.C {
            connected := 0.0
            if amiClient.IsConnected() {
                connected = 1
            }
            metrics.SetGauge("ami_connected", connected, nil)
        }
    }()
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "opdesk",
        Short: "Call-center observability control plane",
        Long:  "Real-time Asterisk call monitoring, queue management and supervisor tooling",
    }

    rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")

    rootCmd.AddCommand(
        createCallsCommand(),
        createExtensionsCommand(),
        createQueuesCommand(),
        createMonitorCommand(),
        createSupervisorCommands(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}
