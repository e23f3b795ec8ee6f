package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "sort"
    "syscall"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/Ibrahimgamal99/OpDesk/internal/monitor"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

// initializeForCLI connects to AMI and primes the correlator with a
// one-shot sync. CLI commands read a snapshot and exit; they never
// consume the live event stream unless they ask for it.
func initializeForCLI(ctx context.Context) error {
    if err := loadConfig(); err != nil {
        return fmt.Errorf("failed to load config: %v", err)
    }

    logConfig := logger.Config{Level: "warn", Format: "text"}
    if verbose {
        logConfig.Level = "debug"
    }
    if err := logger.Init(logConfig); err != nil {
        return fmt.Errorf("failed to initialize logger: %v", err)
    }

    if err := connectAMI(ctx); err != nil {
        return fmt.Errorf("failed to connect to AMI: %v", err)
    }

    mon = monitor.New(amiClient, monitor.Options{
        Context:       cfg.Monitor.Context,
        TrunkPrefixes: cfg.Monitor.TrunkPrefixes,
    })

    dbUp := initializeDatabase(ctx)
    mon.SetMonitored(loadExtensions(ctx, dbUp))
    mon.TrackQueues(cfg.Monitor.Queues)

    if err := mon.FullSync(); err != nil {
        logger.WithError(err).Warn("Sync incomplete, output may be partial")
    }

    return nil
}

func createCallsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "calls",
        Short: "List active calls",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            snap := mon.Project(monitor.Scope{})
            if len(snap.ActiveCalls) == 0 {
                fmt.Println("No active calls")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Extension", "State", "Talking To", "Duration", "Talk Time"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            for _, ext := range sortedKeys(snap.ActiveCalls) {
                call := snap.ActiveCalls[ext]
                state := call.State
                if state == "Up" {
                    state = green(state)
                }
                table.Append([]string{ext, state, call.TalkingTo, call.Duration, call.TalkTime})
            }
            table.Render()
            return nil
        },
    }
}

func createExtensionsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "extensions",
        Short: "Show extension statuses",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            snap := mon.Project(monitor.Scope{})
            if len(snap.Extensions) == 0 {
                fmt.Println("No extensions configured")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Extension", "Status", "Talking To"})
            table.SetBorder(false)

            for _, ext := range sortedKeys(snap.Extensions) {
                view := snap.Extensions[ext]
                talkingTo := ""
                if view.CallInfo != nil {
                    talkingTo = view.CallInfo.TalkingTo
                }
                table.Append([]string{ext, colorStatus(view.Status), talkingTo})
            }
            table.Render()

            fmt.Printf("\n%s %d extensions, %d on calls\n",
                bold("Total:"), snap.Stats.TotalExtensions, snap.Stats.ActiveCallsCount)
            return nil
        },
    }
}

func createQueuesCommand() *cobra.Command {
    queuesCmd := &cobra.Command{
        Use:   "queues",
        Short: "Manage call queues",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            snap := mon.Project(monitor.Scope{})
            if len(snap.Queues) == 0 {
                fmt.Println("No queues found")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Queue", "Waiting", "Members", "Hold Time", "Talk Time"})
            table.SetBorder(false)

            for _, name := range sortedKeys(snap.Queues) {
                q := snap.Queues[name]
                waiting := fmt.Sprintf("%d", q.CallsWaiting)
                if q.CallsWaiting > 0 {
                    waiting = yellow(waiting)
                }
                table.Append([]string{
                    name,
                    waiting,
                    fmt.Sprintf("%d", len(q.Members)),
                    "", "",
                })
            }
            table.Render()
            return nil
        },
    }

    queuesCmd.AddCommand(
        createQueueMembersCommand(),
        createQueueEntriesCommand(),
        createQueueAddCommand(),
        createQueueRemoveCommand(),
        createQueuePauseCommand(true),
        createQueuePauseCommand(false),
    )
    return queuesCmd
}

func createQueueMembersCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "members [queue]",
        Short: "List queue members",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            scope := monitor.Scope{}
            if len(args) == 1 {
                scope.Queues = []string{args[0]}
            }
            snap := mon.Project(scope)
            if len(snap.QueueMembers) == 0 {
                fmt.Println("No queue members found")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Queue", "Interface", "Name", "Status", "Paused", "Type"})
            table.SetBorder(false)

            for _, key := range sortedKeys(snap.QueueMembers) {
                m := snap.QueueMembers[key]
                paused := ""
                if m.Paused {
                    paused = red("yes")
                }
                kind := "static"
                if m.Dynamic {
                    kind = "dynamic"
                }
                table.Append([]string{m.Queue, m.Interface, m.MemberName, m.Status, paused, kind})
            }
            table.Render()
            return nil
        },
    }
}

func createQueueEntriesCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "entries [queue]",
        Short: "List waiting callers",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            scope := monitor.Scope{}
            if len(args) == 1 {
                scope.Queues = []string{args[0]}
            }
            snap := mon.Project(scope)
            if len(snap.QueueEntries) == 0 {
                fmt.Println("No callers waiting")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Queue", "Position", "Caller", "Waiting"})
            table.SetBorder(false)

            for _, id := range sortedKeys(snap.QueueEntries) {
                e := snap.QueueEntries[id]
                table.Append([]string{e.Queue, fmt.Sprintf("%d", e.Position), e.CallerID, e.WaitTime})
            }
            table.Render()
            return nil
        },
    }
}

func createQueueAddCommand() *cobra.Command {
    var memberName string
    var penalty int

    cmd := &cobra.Command{
        Use:   "add <queue> <interface>",
        Short: "Add a dynamic queue member",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            if err := mon.AddQueueMember(args[0], args[1], memberName, penalty); err != nil {
                return fmt.Errorf("failed to add member: %v", err)
            }
            fmt.Printf("%s Added %s to queue '%s'\n", green("✓"), args[1], args[0])
            return nil
        },
    }
    cmd.Flags().StringVarP(&memberName, "name", "n", "", "Member display name")
    cmd.Flags().IntVar(&penalty, "penalty", 0, "Member penalty")
    return cmd
}

func createQueueRemoveCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "remove <queue> <interface>",
        Short: "Remove a dynamic queue member",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            if err := mon.RemoveQueueMember(args[0], args[1]); err != nil {
                return fmt.Errorf("failed to remove member: %v", err)
            }
            fmt.Printf("%s Removed %s from queue '%s'\n", green("✓"), args[1], args[0])
            return nil
        },
    }
}

func createQueuePauseCommand(pause bool) *cobra.Command {
    use, short := "pause <queue> <interface>", "Pause a queue member"
    if !pause {
        use, short = "unpause <queue> <interface>", "Unpause a queue member"
    }
    var reason string

    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            if err := mon.PauseQueueMember(args[0], args[1], pause, reason); err != nil {
                return fmt.Errorf("failed to update member: %v", err)
            }
            verb := "Paused"
            if !pause {
                verb = "Unpaused"
            }
            fmt.Printf("%s %s %s in queue '%s'\n", green("✓"), verb, args[1], args[0])
            return nil
        },
    }
    if pause {
        cmd.Flags().StringVarP(&reason, "reason", "r", "", "Pause reason")
    }
    return cmd
}

func createMonitorCommand() *cobra.Command {
    var interval time.Duration

    cmd := &cobra.Command{
        Use:   "monitor",
        Short: "Watch live state in the terminal",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithCancel(context.Background())
            defer cancel()

            if err := initializeForCLI(ctx); err != nil {
                return err
            }
            defer amiClient.Close()

            if err := amiClient.SetEventMask("on"); err != nil {
                return fmt.Errorf("failed to enable events: %v", err)
            }
            go mon.Run(ctx)

            sigChan := make(chan os.Signal, 1)
            signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

            ticker := time.NewTicker(interval)
            defer ticker.Stop()

            for {
                select {
                case <-sigChan:
                    fmt.Println()
                    return nil
                case <-ticker.C:
                    snap := mon.Project(monitor.Scope{})
                    fmt.Printf("\033[2J\033[H%s  %s\n\n", bold("OpDesk"), time.Now().Format("15:04:05"))
                    fmt.Printf("Extensions: %d   Active calls: %d   Queues: %d   Waiting: %d\n\n",
                        snap.Stats.TotalExtensions, snap.Stats.ActiveCallsCount,
                        snap.Stats.TotalQueues, snap.Stats.TotalWaiting)
                    for _, ext := range sortedKeys(snap.ActiveCalls) {
                        call := snap.ActiveCalls[ext]
                        fmt.Printf("  %s %s -> %s  %s\n", call.State, ext, call.TalkingTo, call.Duration)
                    }
                    for _, id := range sortedKeys(snap.QueueEntries) {
                        e := snap.QueueEntries[id]
                        fmt.Printf("  %s waiting in %s for %s\n", e.CallerID, e.Queue, e.WaitTime)
                    }
                }
            }
        },
    }
    cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval")
    return cmd
}

func createSupervisorCommands() *cobra.Command {
    supCmd := &cobra.Command{
        Use:   "sup",
        Short: "Supervisor call control",
    }

    supCmd.AddCommand(
        &cobra.Command{
            Use:   "hangup <extension>",
            Short: "Hang up an extension's active call",
            Args:  cobra.ExactArgs(1),
            RunE: func(cmd *cobra.Command, args []string) error {
                return runSupervisorAction(func() error {
                    return mon.HangupExtension(args[0])
                }, fmt.Sprintf("Hung up %s", args[0]))
            },
        },
        &cobra.Command{
            Use:   "transfer <source> <destination>",
            Short: "Transfer a call to another extension",
            Args:  cobra.ExactArgs(2),
            RunE: func(cmd *cobra.Command, args []string) error {
                return runSupervisorAction(func() error {
                    return mon.TransferCall(args[0], args[1], "")
                }, fmt.Sprintf("Transferred %s to %s", args[0], args[1]))
            },
        },
        &cobra.Command{
            Use:   "listen <supervisor> <target>",
            Short: "Listen in on a call",
            Args:  cobra.ExactArgs(2),
            RunE: func(cmd *cobra.Command, args []string) error {
                return runSupervisorAction(func() error {
                    return mon.ListenToCall(args[0], args[1])
                }, fmt.Sprintf("Listening to %s from %s", args[1], args[0]))
            },
        },
        &cobra.Command{
            Use:   "whisper <supervisor> <target>",
            Short: "Whisper to an agent on a call",
            Args:  cobra.ExactArgs(2),
            RunE: func(cmd *cobra.Command, args []string) error {
                return runSupervisorAction(func() error {
                    return mon.WhisperToCall(args[0], args[1])
                }, fmt.Sprintf("Whispering to %s from %s", args[1], args[0]))
            },
        },
        &cobra.Command{
            Use:   "barge <supervisor> <target>",
            Short: "Join a call",
            Args:  cobra.ExactArgs(2),
            RunE: func(cmd *cobra.Command, args []string) error {
                return runSupervisorAction(func() error {
                    return mon.BargeIntoCall(args[0], args[1])
                }, fmt.Sprintf("Barging into %s from %s", args[1], args[0]))
            },
        },
    )
    return supCmd
}

func runSupervisorAction(action func() error, success string) error {
    ctx := context.Background()
    if err := initializeForCLI(ctx); err != nil {
        return err
    }
    defer amiClient.Close()

    if err := action(); err != nil {
        return err
    }
    fmt.Printf("%s %s\n", green("✓"), success)
    return nil
}

func colorStatus(status string) string {
    switch status {
    case "idle":
        return green(status)
    case "in_call", "ringing", "dialing":
        return yellow(status)
    case "unavailable":
        return red(status)
    }
    return status
}

// sortedKeys returns map keys in order, for stable table output.
func sortedKeys[M ~map[string]V, V any](m M) []string {
    keys := make([]string, 0, len(m))
    for k := range m {
        keys = append(keys, k)
    }
    sort.Strings(keys)
    return keys
}
