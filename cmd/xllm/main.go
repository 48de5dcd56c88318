package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"xllm-go/internal/config"
	"xllm-go/internal/llm"
	"xllm-go/internal/relayclient"
	"xllm-go/internal/render"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI holds the xllm command-line arguments.
type CLI struct {
	Prompt    string           `kong:"arg,optional,help='The prompt to send.'"`
	Model     string           `kong:"short='m',help='Model: opus4, sonnet4, sonnet3 or haiku3 (overrides config).'"`
	MaxTokens int              `kong:"short='t',name='max-tokens',help='Maximum tokens in the response (overrides config).'"`
	File      string           `kong:"type='existingfile',help='File to include in the prompt.'"`
	Config    string           `kong:"short='c',help='Path to the client config file.',env='XLLM_CONFIG'"`
	Init      bool             `kong:"help='Create a default configuration file and exit.'"`
	Raw       bool             `kong:"help='Print the response without markdown rendering.'"`
	Verbose   bool             `kong:"short='v',help='Log relay and transport details to stderr.'"`
	Version   kong.VersionFlag `kong:"help='Print version and exit.'"`
}

var errNoPrompt = errors.New("a prompt is required (or use --init)")

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("xllm"),
		kong.Description("Send a prompt to Claude, directly or through an xllm relay, and render the answer."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, &cli)
	stop()
	if err != nil {
		render.Error(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cli *CLI) error {
	if cli.Init {
		return initConfig(cli.Config)
	}
	if cli.Prompt == "" {
		return errNoPrompt
	}
	if cli.MaxTokens < 0 {
		return fmt.Errorf("--max-tokens must be positive; got %d", cli.MaxTokens)
	}

	modelID, err := llm.ParseModel(cli.Model)
	if err != nil {
		return err
	}

	prompt := cli.Prompt
	if cli.File != "" {
		data, err := os.ReadFile(cli.File)
		if err != nil {
			return fmt.Errorf("read file %s: %w", cli.File, err)
		}
		prompt = llm.BuildPrompt(prompt, string(data))
	}

	cfg, err := config.LoadClient(cli.Config)
	if err != nil {
		return err
	}

	logger := newLogger(cli.Verbose)
	cfg.WarnPermissions(logger)

	doer, err := relayclient.New(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Global.Proxy {
		logger.Debug("using relay", "url", cfg.Global.ProxyURL, "transport", string(cfg.TransportMode()))
	}

	spin := render.NewSpinner(os.Stderr, "loading...")
	spin.Start()
	answer, err := llm.NewClient(*cfg.Models.Claude, doer).Complete(ctx, prompt, llm.Options{
		Model:     modelID,
		MaxTokens: cli.MaxTokens,
	})
	spin.Stop()
	if err != nil {
		return err
	}

	return render.Markdown(os.Stdout, answer, cli.Raw)
}

func initConfig(path string) error {
	if path == "" {
		p, err := config.DefaultClientConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.CreateDefaultClient(path); err != nil {
		return err
	}
	fmt.Printf("Created %s\nSet ANTHROPIC_API_KEY (and XLLM_PROXY_KEY when using the relay) before running xllm.\n", path)
	return nil
}

// newLogger logs to stderr so it never mixes with the answer on stdout.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
