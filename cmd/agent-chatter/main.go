// Package main is the agent-chatter CLI: a multi-party conversation
// orchestrator driving CLI coding agents as subprocesses.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/agent"
	"github.com/TestAny-io/agent-chatter-sub000/internal/agent/environment"
	"github.com/TestAny-io/agent-chatter-sub000/internal/agentcfg"
	"github.com/TestAny-io/agent-chatter-sub000/internal/collector"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/config"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
	"github.com/TestAny-io/agent-chatter-sub000/internal/events"
	"github.com/TestAny-io/agent-chatter-sub000/internal/session"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
	"github.com/TestAny-io/agent-chatter-sub000/internal/tracing"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "agent-chatter",
		Short:         "Multi-party AI agent conversation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newValidateCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "agent-chatter "+version)
		},
	}
}

func newValidateCommand() *cobra.Command {
	var teamPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a team definition file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := agentcfg.LoadTeam(teamPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Team %q is valid (%d members):\n", t.Name, len(t.Members))
			for _, m := range t.Members {
				kind := m.AgentType
				if m.IsHuman() {
					kind = "human"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s\n", m.Name, kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&teamPath, "team", "team.yaml", "path to the team definition")
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		teamPath   string
		configPath string
		resume     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a conversation with the configured team",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(teamPath, configPath, resume)
		},
	}
	cmd.Flags().StringVar(&teamPath, "team", "team.yaml", "path to the team definition")
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	cmd.Flags().StringVar(&resume, "resume", "", `session to resume ("latest" or a session id)`)
	return cmd
}

func run(teamPath, configPath, resume string) error {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent-chatter", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (config-gated)
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// 4. Event bus
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer closeBus()

	// 5. Session storage
	store, closeStore, err := session.Provide(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize session storage: %w", err)
	}
	defer closeStore()

	// 6. Event collector
	coll, err := collector.New(provided.Bus, cfg.Collector, log)
	if err != nil {
		return fmt.Errorf("initialize collector: %w", err)
	}
	defer coll.Close()

	// 7. Team and agent launch configuration
	tm, err := agentcfg.LoadTeam(teamPath)
	if err != nil {
		return fmt.Errorf("load team: %w", err)
	}
	cfgs := agentcfg.NewManager(cfg.Agents, log)

	// 8. Execution environment
	var env environment.Environment
	switch cfg.Agents.Environment {
	case "", "local":
		env = environment.NewLocalEnvironment(log)
	case "docker":
		env, err = environment.NewDockerEnvironment(cfg.Docker, log)
		if err != nil {
			return fmt.Errorf("initialize docker environment: %w", err)
		}
	default:
		return fmt.Errorf("unknown agent environment %q", cfg.Agents.Environment)
	}

	// 9. Agent manager
	manager := agent.NewManager(env, provided.Bus, cfgs, agent.Config{
		Timeout:   time.Duration(cfg.Agents.TimeoutSeconds) * time.Second,
		KillGrace: time.Duration(cfg.Agents.KillGraceSeconds) * time.Second,
	}, log)

	// 10. Coordinator
	out := bufio.NewWriter(os.Stdout)
	coord := conversation.NewCoordinator(manager, store, conversation.Config{
		HistoryWindow:  cfg.Conversation.HistoryWindow,
		TeamTaskMaxLen: cfg.Conversation.TeamTaskMaxLen,
		Queue: queue.Config{
			MaxQueueSize:  cfg.Queue.MaxSize,
			MaxBranchSize: cfg.Queue.MaxBranchSize,
			MaxLocalSeq:   cfg.Queue.MaxLocalSeq,
		},
	}, consoleCallbacks(out), log)

	opts := conversation.SetTeamOptions{}
	if resume != "" {
		sessionID := resume
		if resume == "latest" {
			latest, err := store.LatestSession(ctx, tm.ID)
			if err != nil {
				return fmt.Errorf("find latest session: %w", err)
			}
			sessionID = latest.SessionID
		}
		opts.ResumeSessionID = sessionID
	}
	if err := coord.SetTeam(ctx, tm, opts); err != nil {
		return fmt.Errorf("set team: %w", err)
	}
	if err := coll.AttachSession(coord.Session().SessionID); err != nil {
		log.Warn("Session log attachment failed", zap.Error(err))
	}

	// 11. SIGINT: cancel an active dispatch, or stop when idle.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if coord.Status() == conversation.StatusActive {
				if err := coord.HandleUserCancellation(); err != nil {
					log.Warn("Cancellation failed", zap.Error(err))
				}
				continue
			}
			_ = coord.Stop(context.Background())
			cancel()
			return
		}
	}()

	return repl(ctx, coord, out)
}

// repl reads human input lines from stdin and feeds them to the coordinator.
// Lines starting with "/" are control commands.
func repl(ctx context.Context, coord *conversation.Coordinator, out *bufio.Writer) error {
	fmt.Fprintln(out, "agent-chatter ready. Type a message, or /help for commands.")
	prompt(out, coord)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			prompt(out, coord)
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := control(coord, out, line); quit {
				return nil
			}
			prompt(out, coord)
			continue
		}

		if err := coord.SendMessage(ctx, line, ""); err != nil {
			if errors.Is(err, conversation.ErrConversationComplete) {
				return nil
			}
			fmt.Fprintf(out, "rejected: %v\n", err)
		}
		prompt(out, coord)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	// EOF: stop cleanly.
	return coord.Stop(context.Background())
}

// control handles a /command line. Returns true when the REPL should exit.
func control(coord *conversation.Coordinator, out *bufio.Writer, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/stop":
		if err := coord.Stop(context.Background()); err != nil {
			fmt.Fprintf(out, "stop: %v\n", err)
		}
		fmt.Fprintln(out, "conversation completed")
		out.Flush()
		return true
	case "/cancel":
		if err := coord.HandleUserCancellation(); err != nil {
			fmt.Fprintf(out, "cancel: %v\n", err)
		}
	case "/pause":
		coord.Pause()
	case "/resume":
		coord.Resume(context.Background())
	case "/status":
		stats := coord.QueueStats()
		fmt.Fprintf(out, "status=%s messages=%d queued=%d (P1=%d P2=%d P3=%d)\n",
			coord.Status(), len(coord.History()), stats.TotalPending,
			stats.ByIntent.P1, stats.ByIntent.P2, stats.ByIntent.P3)
		if task := coord.TeamTask(); task != "" {
			fmt.Fprintf(out, "team task: %s\n", task)
		}
	case "/help":
		fmt.Fprintln(out, "commands: /cancel /pause /resume /status /stop /quit")
	default:
		fmt.Fprintf(out, "unknown command %q; try /help\n", line)
	}
	return false
}

func prompt(out *bufio.Writer, coord *conversation.Coordinator) {
	if id := coord.WaitingForMemberID(); id != "" {
		fmt.Fprintf(out, "[waiting for %s] > ", id)
	} else {
		fmt.Fprint(out, "> ")
	}
	out.Flush()
}

// consoleCallbacks renders coordinator events for the terminal operator.
func consoleCallbacks(out *bufio.Writer) conversation.Callbacks {
	return conversation.Callbacks{
		OnAgentCompleted: func(m *team.Member, res agent.Result) {
			if res.AccumulatedText != "" {
				fmt.Fprintf(out, "\n%s: %s\n", m.DisplayName, res.AccumulatedText)
			}
			if !res.Success {
				fmt.Fprintf(out, "\n%s finished with %s\n", m.DisplayName, res.FinishReason)
			}
			out.Flush()
		},
		OnWaitingForHuman: func(m *team.Member) {
			fmt.Fprintf(out, "\n(waiting for %s)\n", m.DisplayName)
			out.Flush()
		},
		OnUnresolvedAddressees: func(names []string, _ *conversation.Message) {
			fmt.Fprintf(out, "\nno such members: %s\n", strings.Join(names, ", "))
			out.Flush()
		},
		OnPartialResolveFailure: func(skipped, _ []string) {
			fmt.Fprintf(out, "\nskipped unknown members: %s\n", strings.Join(skipped, ", "))
			out.Flush()
		},
		OnQueueProtection: func(ev queue.ProtectionEvent) {
			fmt.Fprintf(out, "\nqueue protection: %s (member %s)\n", ev.Kind, ev.TargetMemberID)
			out.Flush()
		},
	}
}
