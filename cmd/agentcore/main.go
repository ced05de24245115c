// agentcore is an interactive terminal host for the agent loop. It reads
// user messages from stdin, streams the model's replies and asks for
// approval before gated tool calls. Threads and checkpoints are saved per
// workspace and can be resumed with --thread.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/xiaochunkun/adnify-sub003/agentloop"
	"github.com/xiaochunkun/adnify-sub003/unifiedllm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	provider   string
	model      string
	workspace  string
	storeDir   string
	logLevel   string
	threadID   string
	message    string
	yes        bool
}

func parseFlags(args []string) (options, bool, error) {
	var o options
	flagSet := pflag.NewFlagSet("agentcore", pflag.ContinueOnError)
	flagSet.StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&o.provider, "provider", "", "LLM provider (overrides the config)")
	flagSet.StringVarP(&o.model, "model", "m", "", "model ID (overrides the config)")
	flagSet.StringVarP(&o.workspace, "workspace", "w", "", "workspace root (default: current directory)")
	flagSet.StringVar(&o.storeDir, "store", "", "directory for saved threads (default: user config dir)")
	flagSet.StringVar(&o.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flagSet.StringVarP(&o.threadID, "thread", "t", "", "resume a saved thread")
	flagSet.StringVar(&o.message, "message", "", "send one message and exit")
	flagSet.BoolVarP(&o.yes, "yes", "y", false, "auto-approve edits and shell commands (dangerous commands still ask)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return o, true, nil
		}
		return o, false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return o, true, nil
	}
	return o, false, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: agentcore [flags]\n\nFlags:\n%s\n", flagSet.FlagUsages())
	fmt.Fprintln(os.Stderr, commandHelp)
}

const commandHelp = `Commands:
  /checkpoints        list checkpoints
  /rollback <id>      restore the files of a checkpoint
  /stats              show context usage
  /handoff            continue in a new thread after a handoff
  /threads            list saved threads in this workspace
  /abort              stop the running turn
  /quit               exit

While a tool call awaits approval, answer y to approve or n [reason] to reject.`

// newLogger writes human-readable records to a terminal and JSON otherwise.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func loadConfig(o options) (agentloop.Config, error) {
	cfg := agentloop.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = agentloop.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.provider != "" {
		cfg.Provider = o.provider
	}
	if o.model != "" {
		cfg.Model = o.model
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		if m := unifiedllm.GetLatestModel(cfg.Provider, "tools"); m != nil {
			cfg.Model = m.ID
		}
	}
	if o.storeDir != "" {
		cfg.StoreDir = o.storeDir
	}
	if o.yes {
		cfg.Approval.AutoApproveEdits = true
		cfg.Approval.AutoApproveTerminal = true
	}
	return cfg, nil
}

func storeBase(cfg agentloop.Config) (string, error) {
	if cfg.StoreDir != "" {
		return cfg.StoreDir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "agentcore", "threads"), nil
}

func run() error {
	o, done, err := parseFlags(os.Args[1:])
	if err != nil || done {
		return err
	}
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	ws, err := agentloop.NewLocalWorkspace(o.workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	client := unifiedllm.NewClientFromEnv(
		unifiedllm.WithStreamMiddleware(unifiedllm.RetryStreamMiddleware(unifiedllm.DefaultRetryPolicy())))
	defer func() {
		if err := client.Close(); err != nil {
			logger.Debug("close client", "error", err)
		}
	}()
	if !client.HasProvider(cfg.Provider) {
		return fmt.Errorf("no credentials found for provider %q", cfg.Provider)
	}

	base, err := storeBase(cfg)
	if err != nil {
		return err
	}
	store, err := agentloop.OpenThreadStore(agentloop.WorkspaceStoreDir(base, ws.Root()), logger.With("component", "store"))
	if err != nil {
		return err
	}
	defer store.Close()

	loopOpts := []agentloop.LoopOption{
		agentloop.WithLogger(logger),
		agentloop.WithLoopSummarizer(&agentloop.LLMSummarizer{Client: client, Model: cfg.Model, Provider: cfg.Provider}),
	}
	if cfg.Provider == "openai" {
		if counter, err := agentloop.NewTiktokenCounter(""); err == nil {
			loopOpts = append(loopOpts, agentloop.WithLoopTokenCounter(counter))
		} else {
			logger.Warn("tiktoken unavailable, estimating tokens from characters", "error", err)
		}
	}
	loop, err := agentloop.NewAgentLoop(client, ws, cfg, loopOpts...)
	if err != nil {
		return err
	}

	if o.threadID != "" {
		state, err := store.Load(o.threadID)
		if err != nil {
			return fmt.Errorf("resume thread %s: %w", o.threadID, err)
		}
		if err := loop.Rehydrate(state); err != nil {
			return err
		}
	}

	s := &session{
		loop:        loop,
		store:       store,
		logger:      logger,
		out:         os.Stdout,
		workspace:   filepath.Base(ws.Root()),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range loop.Events() {
			s.printEvent(ev)
		}
	}()

	err = s.repl(os.Stdin, o.message)
	loop.Close()
	<-printed
	return err
}

type session struct {
	loop        *agentloop.AgentLoop
	store       *agentloop.ThreadStore
	logger      *slog.Logger
	out         io.Writer
	workspace   string
	interactive bool
}

func (s *session) prompt() {
	if s.interactive {
		fmt.Fprint(s.out, "> ")
	}
}

// repl owns stdin. While a turn runs, input answers approval prompts or
// aborts; otherwise it is a command or the next user message.
func (s *session) repl(in io.Reader, oneShot string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	fmt.Fprintf(s.out, "thread %s in %s (/help for commands)\n", s.loop.Thread().ID(), s.workspace)
	var running chan error
	start := func(text string) {
		running = make(chan error, 1)
		go func() {
			running <- s.loop.SendUserMessage(context.Background(), agentloop.UserContent{Text: text})
		}()
	}

	if oneShot != "" {
		start(oneShot)
	} else {
		s.prompt()
	}

	for {
		select {
		case <-interrupts:
			if running == nil {
				return nil
			}
			s.loop.Abort()

		case err := <-running:
			running = nil
			s.report(err)
			s.save()
			if oneShot != "" {
				return err
			}
			s.prompt()

		case line, ok := <-lines:
			if !ok {
				if running != nil {
					s.loop.Abort()
					s.report(<-running)
					s.save()
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if running != nil {
				s.answer(line)
				continue
			}
			if line == "" {
				s.prompt()
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := s.command(line); quit {
					return nil
				}
				s.prompt()
				continue
			}
			start(line)
		}
	}
}

func (s *session) answer(line string) {
	if line == "/abort" {
		s.loop.Abort()
		return
	}
	if _, ok := s.loop.PendingApproval(); !ok {
		fmt.Fprintln(s.out, "busy; /abort stops the current turn")
		return
	}
	verdict, reason, _ := strings.Cut(line, " ")
	switch strings.ToLower(verdict) {
	case "y", "yes":
		s.loop.Approve()
	case "n", "no":
		s.loop.Reject(strings.TrimSpace(reason))
	default:
		fmt.Fprintln(s.out, "answer y or n [reason]")
	}
}

func (s *session) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(s.out, commandHelp)
	case "/abort":
		fmt.Fprintln(s.out, "nothing is running")
	case "/checkpoints":
		cps := s.loop.Checkpoints().List()
		if len(cps) == 0 {
			fmt.Fprintln(s.out, "no checkpoints")
		}
		for _, cp := range cps {
			fmt.Fprintf(s.out, "%s  %s  %-12s %s\n", cp.ID, cp.Timestamp.Format("15:04:05"), cp.Kind, cp.Description)
		}
	case "/rollback":
		if arg == "" {
			fmt.Fprintln(s.out, "usage: /rollback <checkpoint id>")
			return false
		}
		report, err := s.loop.Rollback(arg)
		if err != nil {
			fmt.Fprintf(s.out, "rollback failed: %v\n", err)
			return false
		}
		fmt.Fprintf(s.out, "restored %d file(s)\n", len(report.Restored))
		for _, fe := range report.Errors {
			fmt.Fprintf(s.out, "  failed: %v\n", fe)
		}
		s.save()
	case "/stats":
		stats := s.loop.Thread().Stats()
		if stats == nil {
			fmt.Fprintln(s.out, "no model call yet")
			return false
		}
		fmt.Fprintf(s.out, "level %s, %d/%d tokens (%.0f%%), %d turn(s) compacted\n",
			stats.Level, stats.InputTokens, stats.ContextLimit, stats.Ratio*100, stats.CompactedTurns)
	case "/handoff":
		t, err := s.loop.StartHandoffThread()
		if err != nil {
			fmt.Fprintf(s.out, "handoff: %v\n", err)
			return false
		}
		fmt.Fprintf(s.out, "continuing in thread %s\n", t.ID())
		s.save()
	case "/threads":
		ids, err := s.store.List()
		if err != nil {
			fmt.Fprintf(s.out, "list threads: %v\n", err)
			return false
		}
		current := s.loop.Thread().ID()
		for _, id := range ids {
			marker := " "
			if id == current {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %s\n", marker, id)
		}
	default:
		fmt.Fprintf(s.out, "unknown command %s\n", name)
	}
	return false
}

func (s *session) report(err error) {
	var (
		limit     *agentloop.LimitExceededError
		interrupt *agentloop.InterruptedError
		transport *agentloop.TransportError
	)
	switch {
	case err == nil:
	case errors.Is(err, agentloop.ErrHandoffRequired):
		fmt.Fprintln(s.out, "The conversation is out of context. Type /handoff to continue in a new thread.")
	case errors.Is(err, agentloop.ErrThreadFrozen):
		fmt.Fprintln(s.out, "This thread was handed off. Type /handoff to continue.")
	case errors.As(err, &limit):
		fmt.Fprintf(s.out, "Stopped after %d model turns.\n", limit.Limit)
	case errors.As(err, &interrupt):
		fmt.Fprintln(s.out, "Interrupted.")
	case errors.As(err, &transport):
		hint := ""
		if transport.Retryable {
			hint = " Send the message again to retry."
		}
		fmt.Fprintf(s.out, "Model request failed (%s).%s\n", transport.Code, hint)
	default:
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *session) save() {
	if err := s.store.Save(s.loop.Persisted()); err != nil {
		s.logger.Error("save thread failed", "error", err)
	}
}

func (s *session) printEvent(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventAssistantDelta:
		if ev.Data["type"] == string(unifiedllm.TextDelta) {
			fmt.Fprint(s.out, ev.Data["text"])
		}
	case agentloop.EventAssistantEnd:
		if e, ok := ev.Data["error"]; ok {
			fmt.Fprintf(s.out, "\n[error] %v\n", e)
			return
		}
		fmt.Fprintln(s.out)
	case agentloop.EventToolCallStart:
		fmt.Fprintf(s.out, "[tool] %v\n", ev.Data["tool_name"])
	case agentloop.EventToolCallEnd:
		fmt.Fprintf(s.out, "[tool] %v\n", ev.Data["status"])
	case agentloop.EventApprovalRequired:
		fmt.Fprintf(s.out, "[approve] %v (%v) %v\n[approve] y / n [reason]: ",
			ev.Data["tool_name"], ev.Data["category"], ev.Data["arguments"])
	case agentloop.EventCheckpointCreated:
		if ev.Data["kind"] == string(agentloop.CheckpointToolEdit) {
			fmt.Fprintf(s.out, "[checkpoint] %v before editing %v\n", ev.Data["checkpoint_id"], ev.Data["path"])
		}
	case agentloop.EventCompression:
		fmt.Fprintf(s.out, "[context] %v, %.0f%% saved\n", ev.Data["level"], ev.Data["saved_percent"])
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		fmt.Fprintf(s.out, "[warning] %v\n", ev.Data["message"])
	case agentloop.EventLoopLimit:
		fmt.Fprintf(s.out, "[limit] reached %v model turns\n", ev.Data["max_loops"])
	}
}
