package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"autopilot/internal/infra/config"
	"autopilot/internal/infra/logger"
	"autopilot/internal/infra/tracer"
	"autopilot/internal/usecase/autonomy"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "cycle":
		err = runCycle(args, os.Stdout)
	case "trust":
		err = runTrust(args, os.Stdout)
	case "encrypt":
		err = runEncrypt(args, os.Stdin, os.Stdout)
	case "help":
		showUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'autopilot help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`autopilot - autonomous orchestration and federation service

USAGE:
    autopilot [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the control loop, scheduler and gateway (default)
    cycle       Run one control loop cycle and print the result
    trust       Print the current trust score
    encrypt     Encrypt a secret for use as an "enc:" config value

FLAGS:
    --config PATH      Config file path (default: $AUTOPILOT_CONFIG or ./autopilot.yaml)

CONFIGURATION:
    Environment: AUTOPILOT_* variables override config
    Secrets:     AUTOPILOT_CONFIG_KEY decrypts "enc:" values`)
}

// configPath resolves the config file: flag, then $AUTOPILOT_CONFIG, then
// ./autopilot.yaml.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("AUTOPILOT_CONFIG"); p != "" {
		return p
	}
	return "autopilot.yaml"
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.String("config", "", "config file path")
	return fs, path
}

// bootstrap loads config and builds the logger and tracer shared by every
// command.
func bootstrap(ctx context.Context, path string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath(path))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	closer := func() {
		tracerShutdown(context.Background())
		logCloser()
	}
	return cfg, log, closer, nil
}

func runServe(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return serve(ctx, args)
}

// serve runs until ctx is done. Disabled components stay idle rather than
// stopping the process.
func serve(ctx context.Context, args []string) error {
	fs, path := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, log, closer, err := bootstrap(ctx, *path)
	if err != nil {
		return err
	}
	defer closer()

	rt, cleanup, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	if err := rt.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := rt.Loop.Start(ctx); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if rt.Gateway != nil {
		go func() {
			if err := rt.Gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
	}

	log.Info("autopilot running",
		"tenant", cfg.Federation.TenantID,
		"federation", rt.Federation.Enabled(),
		"loop", string(rt.Loop.State()),
	)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runCycle(args []string, out io.Writer) error {
	fs, path := newFlagSet("cycle")
	emit := fs.Bool("emit", false, "dispatch the insight_report event instead of a dry run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	cfg, log, closer, err := bootstrap(ctx, *path)
	if err != nil {
		return err
	}
	defer closer()
	cfg.Gateway.Enabled = false

	rt, cleanup, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer cleanup(ctx)

	res, err := rt.Loop.RunCycle(ctx, autonomy.CycleOptions{SuppressEvent: !*emit})
	if err != nil {
		return err
	}
	return writeIndented(out, res)
}

func runTrust(args []string, out io.Writer) error {
	fs, path := newFlagSet("trust")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	cfg, log, closer, err := bootstrap(ctx, *path)
	if err != nil {
		return err
	}
	defer closer()
	cfg.Gateway.Enabled = false

	rt, cleanup, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer cleanup(ctx)

	ts, err := rt.Trust.Compute(ctx)
	if err != nil {
		return err
	}
	return writeIndented(out, ts)
}

// runEncrypt reads one secret (flag or first stdin line) and prints its
// "enc:" form under AUTOPILOT_CONFIG_KEY.
func runEncrypt(args []string, in io.Reader, out io.Writer) error {
	fs := pflag.NewFlagSet("encrypt", pflag.ContinueOnError)
	value := fs.String("value", "", "plaintext to encrypt (read from stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	passphrase := os.Getenv("AUTOPILOT_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("AUTOPILOT_CONFIG_KEY is not set")
	}
	plaintext := *value
	if plaintext == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read stdin: %w", err)
		}
		plaintext = strings.TrimRight(line, "\r\n")
	}
	if plaintext == "" {
		return errors.New("nothing to encrypt")
	}
	enc, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "enc:"+enc)
	return err
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
