// Package main provides the CLI entry point for Anteroom, a local
// OpenAI-compatible tool-calling agent runtime.
//
// # Basic Usage
//
// Start an interactive session in the current directory:
//
//	anteroom repl
//
// Run a single prompt non-interactively and exit:
//
//	anteroom exec "summarize the README"
//
// # Environment Variables
//
//   - ANTEROOM_CONFIG: path to a YAML config file (default: anteroom.yaml, if present)
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/cancel"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/safety"
	"github.com/haasonsaas/nexus/internal/tools/canvas"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/files"
	"github.com/haasonsaas/nexus/internal/tools/subagent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath string
	workspace  string
	modelFlag  string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anteroom:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "anteroom",
		Short:        "Anteroom - local tool-calling agent runtime",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default: anteroom.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory file tools are rooted at")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "model override (defaults to the configured provider's default_model)")

	rootCmd.AddCommand(buildReplCmd())
	rootCmd.AddCommand(buildExecCmd())
	return rootCmd
}

func buildReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl(cmd.Context())
		},
	}
}

func buildExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [prompt]",
		Short: "Run a single prompt non-interactively and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), args[0])
		},
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = "anteroom.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLoop(ctx context.Context, cfg config.Config) (*agent.Loop, error) {
	logger := observability.MustNewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})

	providerName := cfg.LLM.DefaultProvider
	providerCfg := cfg.LLM.ProviderConfig(providerName)

	var provider agent.LLMProvider
	switch providerName {
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
			MaxRetries:   3,
			RetryDelay:   time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("build anthropic provider: %w", err)
		}
		provider = p
	default:
		provider = providers.NewOpenAIProvider(providerCfg.APIKey)
	}

	model := modelFlag
	if model == "" {
		model = providerCfg.DefaultModel
	}

	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	registry := agent.NewToolRegistry()
	registry.SetSafetyConfig(cfg.Safety.ToSafetyConfig())
	registry.SetWorkingDir(absWorkspace)
	registry.OnDecision(func(toolName string, decision agent.Decision) {
		logger.Info(ctx, "safety decision", "tool", toolName, "decision", decision)
	})

	filesCfg := files.Config{Workspace: absWorkspace, MaxReadBytes: 1 << 20}
	registry.Register(files.NewReadTool(filesCfg))
	registry.Register(files.NewWriteTool(filesCfg))
	registry.Register(files.NewEditTool(filesCfg))
	registry.Register(files.NewApplyPatchTool(filesCfg))
	registry.Register(files.NewGlobTool(filesCfg))
	registry.Register(files.NewGrepTool(filesCfg))

	execManager := exec.NewManager(absWorkspace)
	registry.Register(exec.NewExecTool("bash", execManager))
	registry.Register(exec.NewProcessTool(execManager))

	canvasStore := canvas.NewStore()
	registry.Register(canvas.NewCreateTool(canvasStore))
	registry.Register(canvas.NewUpdateTool(canvasStore))
	registry.Register(canvas.NewPatchTool(canvasStore))

	registry.Register(subagent.New())

	executor := agent.NewToolExecutor(registry, terminalConfirm, agent.DefaultToolExecConfig())

	loopCfg := cfg.Loop
	loop := agent.NewLoop(provider, registry.Tools(), executor, model, loopCfg)
	loop.Subagent = &agent.RootSubagentConfig{
		Limiter:            agent.NewSubagentLimiter(cfg.Subagent.MaxConcurrent, cfg.Subagent.MaxTotal),
		AgentID:            "main",
		MaxDepth:           cfg.Subagent.MaxDepth,
		MaxChildIterations: cfg.Subagent.MaxChildIterations,
		MaxOutputChars:     cfg.Subagent.MaxOutputChars,
		MaxPromptChars:     cfg.Subagent.MaxPromptChars,
	}

	return loop, nil
}

// terminalConfirm prompts on stdin/stderr for tool calls the Safety Gate
// routes to "needs approval" (spec §4.B step 3). It is the CLI's stand-in
// for the server transport's approval_required/approval_response frames.
func terminalConfirm(ctx context.Context, verdict safety.Verdict, call models.ToolCall) agent.ConfirmResponse {
	fmt.Fprintf(os.Stderr, "\n[approval required] %s: %s(%s)\n", verdict.Reason, call.Name, string(call.Arguments))
	fmt.Fprint(os.Stderr, "allow? [y/N/a=allow for session] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch line[:min(1, len(line))] {
	case "y", "Y":
		return agent.ConfirmResponse{Approved: true}
	case "a", "A":
		return agent.ConfirmResponse{Approved: true, GrantSession: true}
	default:
		return agent.ConfirmResponse{Approved: false}
	}
}

func runExec(ctx context.Context, prompt string) error {
	ctx, stop := cancel.WithSignalCancel(ctx)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loop, err := buildLoop(ctx, cfg)
	if err != nil {
		return err
	}

	turnCtx, turnCancel := cancel.NewTurnToken(ctx)
	defer turnCancel()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		// Exec mode reads its prompt from argv, so stdin is free for the
		// Escape-keypress watcher for the duration of this one turn
		// (spec §4.G "Interactive: a bare Escape keypress").
		watcher := cancel.NewEscapeWatcher(fd, os.Stdin)
		go watcher.Watch(turnCtx, turnCancel)
	}

	history := []models.Message{{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now()}}
	return drainToStdout(loop.Run(turnCtx, history, agent.RunOptions{}))
}

func runRepl(ctx context.Context) error {
	ctx, stop := cancel.WithSignalCancel(ctx)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loop, err := buildLoop(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "anteroom repl — type your message, Ctrl-D to exit, Ctrl-C to cancel a turn")
	reader := bufio.NewReader(os.Stdin)
	var history []models.Message
	for {
		fmt.Fprint(os.Stderr, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr)
			return nil
		}
		if len(line) > 0 && line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		}
		if line == "" {
			continue
		}
		// repl mode keeps stdin in cooked line-editing mode for the next
		// prompt, so only the SIGINT/SIGTERM cancellation source applies
		// here — the Escape watcher needs exclusive raw-mode access to
		// stdin, which exec mode's single turn can grant but an
		// interactive prompt loop cannot without losing line editing.
		turnCtx, turnCancel := cancel.NewTurnToken(ctx)
		history = append(history, models.Message{Role: models.RoleUser, Content: line, CreatedAt: time.Now()})
		if err := drainToStdout(loop.Run(turnCtx, history, agent.RunOptions{})); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		turnCancel()
	}
}

// drainToStdout renders a turn's event stream as plain text, the
// terminal-client counterpart to the server transport's SSE frames.
func drainToStdout(events <-chan models.AgentEvent) error {
	for e := range events {
		switch e.Kind {
		case models.EventToken:
			var p models.TokenPayload
			if json.Unmarshal(e.Data, &p) == nil {
				fmt.Print(p.Content)
			}
		case models.EventToolCallStart:
			var p models.ToolCallStartPayload
			if json.Unmarshal(e.Data, &p) == nil {
				fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", p.Name, string(p.Arguments))
			}
		case models.EventToolCallEnd:
			var p models.ToolCallEndPayload
			if json.Unmarshal(e.Data, &p) == nil {
				fmt.Fprintf(os.Stderr, "[tool done] %s: %s\n", p.ToolName, p.Status)
			}
		case models.EventSubagentStart:
			var p models.SubagentStartPayload
			if json.Unmarshal(e.Data, &p) == nil {
				fmt.Fprintf(os.Stderr, "\n[subagent %s] %s\n", p.AgentID, p.Prompt)
			}
		case models.EventSubagentEnd:
			var p models.SubagentEndPayload
			if json.Unmarshal(e.Data, &p) == nil {
				fmt.Fprintf(os.Stderr, "[subagent %s done in %.1fs]\n", p.AgentID, p.ElapsedSeconds)
			}
		case models.EventError:
			var p models.ErrorPayload
			if json.Unmarshal(e.Data, &p) == nil {
				return fmt.Errorf("%s", p.Message)
			}
		case models.EventDone:
			fmt.Println()
		}
	}
	return nil
}
