// Command darner is a terminal coding agent. It runs a conversation with an
// LLM over the current repository, snapshotting the working tree before each
// turn so any turn can be undone.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"darner.dev/llm"
	"darner.dev/llm/ant"
	"darner.dev/loop"
	"darner.dev/skribe"
	"darner.dev/snapshot"
	"darner.dev/store"
	"darner.dev/termui"
	"darner.dev/toolbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "darner: %v\n", err)
		os.Exit(1)
	}
}

const systemPrompt = `You are darner, a coding agent operating in a terminal.
You work in the user's repository using the tools provided. Be direct and
concise. Make changes with the bash tool; verify them before declaring done.`

func run() error {
	model := flag.String("model", ant.DefaultModel, "model to use")
	dbPath := flag.String("db", "", "path to the session database (default <working dir>/.darner.db)")
	workingDir := flag.String("C", "", "when set, change to this directory before running")
	sessionID := flag.String("session-id", "", "resume an existing session by id")
	hooksDir := flag.String("hooks", "", "directory of per-tool hook executables")
	verbose := flag.Bool("verbose", false, "enable verbose output")
	ralph := flag.Bool("ralph", false, "run the initial prompt as an autonomous loop and exit")
	plan := flag.Bool("plan", false, "start in plan mode (read-only tools)")
	flag.Parse()

	wd := *workingDir
	if wd == "" {
		var err error
		wd, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	var handler slog.Handler
	if *verbose {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		logFile, err := os.CreateTemp("", "darner-*.log")
		if err != nil {
			return err
		}
		defer logFile.Close()
		fmt.Fprintf(os.Stderr, "structured logs: %s\n", logFile.Name())
		handler = slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(skribe.AttrsWrap(handler)))

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return errors.New("ANTHROPIC_API_KEY is not set")
	}

	ctx := context.Background()

	path := *dbPath
	if path == "" {
		path = filepath.Join(wd, ".darner.db")
	}
	st, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer st.Close()

	service := &ant.Service{APIKey: apiKey, Model: *model}
	reporter := termui.New(os.Stdout)

	orch := loop.NewOrchestrator(service, reporter.LaneSink())
	hooks := &toolbox.Hooks{Dir: *hooksDir, OnError: func(tool string, err error) {
		reporter.System("hook for %s failed: %v", tool, err)
	}}
	baseTools := func(depth int) []*llm.Tool {
		return []*llm.Tool{
			toolbox.NewBashTool(),
			toolbox.NewReadFileTool(),
			toolbox.NewListDirTool(),
			orch.SubagentTool(depth, "subagent"),
		}
	}
	orch.BaseTools = func(depth int) []*llm.Tool {
		return toolbox.WrapAll(baseTools(depth), wd, hooks)
	}

	agent, err := loop.NewAgent(ctx, loop.AgentConfig{
		Service:      service,
		Store:        st,
		Snapshots:    snapshot.NewEngine(st),
		WorkDir:      wd,
		Model:        *model,
		SystemPrompt: systemPrompt,
		Tools:        baseTools(0),
		Hooks:        hooks,
		Sink:         reporter.Sink(),
		SessionID:    *sessionID,
	})
	if err != nil {
		return err
	}
	if *plan {
		agent.SetMode(loop.ModePlan)
	}

	// Ctrl-C cancels the in-flight turn; a second Ctrl-C exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		agent.CancelTurn(errors.New("user interrupt"))
		<-sigCh
		os.Exit(1)
	}()

	initial := strings.Join(flag.Args(), " ")
	if *ralph {
		if initial == "" {
			return errors.New("-ralph requires an initial prompt")
		}
		out, err := agent.RunRalph(ctx, initial)
		if out != "" {
			fmt.Println(out)
		}
		return err
	}

	reporter.System("session %s in %s (/help for commands)", agent.SessionID(), wd)
	if initial != "" {
		if _, err := agent.ProcessUserInput(ctx, initial); err != nil {
			reporter.System("turn failed: %v", err)
		}
	}
	return inputLoop(ctx, agent, reporter)
}

func inputLoop(ctx context.Context, agent *loop.Agent, reporter *termui.Reporter) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/help":
			reporter.System("/undo undo the last turn, /diff preview what undo would restore,\n/new start a fresh session, /plan toggle plan mode, /ralph <prompt> run autonomously,\n/usage show token usage, /exit quit")
		case line == "/undo":
			warning, err := agent.UndoLastTurn(ctx)
			switch {
			case errors.Is(err, loop.ErrNothingToUndo):
				reporter.System("nothing to undo")
			case err != nil:
				reporter.System("undo failed: %v", err)
			case warning != "":
				reporter.System("%s", warning)
			default:
				reporter.System("undid turn %d", agent.Turn()+1)
			}
		case line == "/diff":
			preview, err := agent.PreviewUndo(ctx)
			switch {
			case errors.Is(err, loop.ErrNothingToUndo):
				reporter.System("nothing to undo")
			case err != nil:
				reporter.System("preview failed: %v", err)
			case preview == "":
				reporter.System("undo would not change any files")
			default:
				reporter.System("%s", preview)
			}
		case line == "/new":
			id := agent.StartNewSession(ctx)
			reporter.System("new session %s", id)
		case line == "/plan":
			if agent.Mode() == loop.ModePlan {
				agent.SetMode(loop.ModeNormal)
				reporter.System("plan mode off")
			} else {
				agent.SetMode(loop.ModePlan)
				reporter.System("plan mode on")
			}
		case strings.HasPrefix(line, "/ralph "):
			if _, err := agent.RunRalph(ctx, strings.TrimPrefix(line, "/ralph ")); err != nil {
				reporter.System("ralph loop failed: %v", err)
			}
		case line == "/usage":
			reporter.UsageSummary(agent.Usage())
		case strings.HasPrefix(line, "/"):
			reporter.System("unknown command %s, try /help", line)
		default:
			if _, err := agent.ProcessUserInput(ctx, line); err != nil {
				reporter.System("turn failed: %v", err)
			}
		}
	}
}
