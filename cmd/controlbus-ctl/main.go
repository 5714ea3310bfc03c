// controlbus-ctl talks to a running control bus.
//
//	controlbus-ctl submit 'setBrightness value=1.2'
//	controlbus-ctl poll
//	controlbus-ctl result <request_id> '{"ok":true}'
//	controlbus-ctl consume
//
// consume runs a polling consumer that echoes every command back as its
// result, which is handy for checking a deployment end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"github.com/withmartian/ares/controlbus/internal/config"
	"github.com/withmartian/ares/controlbus/internal/consumer"
	"github.com/withmartian/ares/controlbus/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		url      string
		token    string
		params   string
		interval time.Duration
		logLevel string
	)
	flagSet := pflag.NewFlagSet("controlbus-ctl", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", envOr("CONTROL_BUS_URL", "http://"+config.DefaultAddr), "control bus base URL")
	flagSet.StringVar(&token, "token", envOr("CONTROL_BUS_TOKEN", config.DefaultToken), "shared bearer token")
	flagSet.StringVar(&params, "params", "", "JSON params to send with submit")
	flagSet.DurationVar(&interval, "interval", consumer.DefaultInterval, "poll interval for consume")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.Setup(config.LogConfig{Level: logLevel, Format: "console"}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := consumer.NewClient(url, token)
	rest := flagSet.Args()
	if len(rest) == 0 {
		return errors.New("missing subcommand: submit, poll, result or consume")
	}

	switch rest[0] {
	case "submit":
		if len(rest) != 2 {
			return errors.New("usage: submit <command>")
		}
		var raw json.RawMessage
		if params != "" {
			if !json.Valid([]byte(params)) {
				return errors.New("--params is not valid JSON")
			}
			raw = json.RawMessage(params)
		}
		resp, err := client.Submit(ctx, rest[1], raw)
		if err != nil {
			return err
		}
		return printJSON(stdout, resp)

	case "poll":
		cmd, err := client.Poll(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, cmd)

	case "result":
		if len(rest) != 3 {
			return errors.New("usage: result <request_id> <json>")
		}
		if !json.Valid([]byte(rest[2])) {
			return errors.New("result is not valid JSON")
		}
		if err := client.PostResult(ctx, rest[1], json.RawMessage(rest[2])); err != nil {
			return err
		}
		return printJSON(stdout, map[string]string{"status": "ok"})

	case "consume":
		c, err := consumer.New(client, echo, consumer.WithInterval(interval))
		if err != nil {
			return err
		}
		return c.Run(ctx)

	default:
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}
}

func echo(_ context.Context, method string, params json.RawMessage) (any, error) {
	slog.Info("executing command", "method", method, "params", string(params))
	return map[string]any{"method": method, "params": params}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
