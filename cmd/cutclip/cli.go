package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"cutclip/internal/app"
	"cutclip/internal/config"
	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
	"cutclip/internal/license"
)

const usage = `Usage: cutclip <command> [flags]

Commands:
  serve              run the status API until interrupted
  status             resolve and print the license state
  activate KEY       activate a license key on this device
  credentials set    store the API key and secret used to sign requests
  credentials clear  remove stored API credentials
  reset              forget the license, credentials and registration
  device-id          print this device's fingerprint
  version            print the version
`

// exitError carries a process exit code
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	lines  *bufio.Reader

	loadConfig func() (*config.Config, error)
	appOptions []app.Option
	readSecret func(prompt string) ([]byte, error)
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	c := &cli{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		loadConfig: config.Load,
	}
	c.readSecret = c.promptSecret
	return c
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, usage)
		return &exitError{code: 2, err: errors.New("missing command")}
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return c.serve(ctx, rest)
	case "status":
		return c.status(ctx, rest)
	case "activate":
		return c.activate(ctx, rest)
	case "credentials":
		return c.credentials(ctx, rest)
	case "reset":
		return c.reset(ctx, rest)
	case "device-id":
		return c.deviceID(ctx, rest)
	case "version", "--version":
		fmt.Fprintf(c.stdout, "cutclip %s\n", config.AppVersion)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(c.stdout, usage)
		return nil
	default:
		fmt.Fprint(c.stderr, usage)
		return &exitError{code: 2, err: fmt.Errorf("unknown command %q", cmd)}
	}
}

// parse parses flags for a subcommand and checks the positional count
func (c *cli) parse(fs *pflag.FlagSet, args []string, positional int) ([]string, error) {
	fs.SetOutput(c.stderr)
	if err := fs.Parse(args); err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	if fs.NArg() != positional {
		return nil, &exitError{code: 2, err: fmt.Errorf("%s: expected %d argument(s), got %d", fs.Name(), positional, fs.NArg())}
	}
	return fs.Args(), nil
}

// open loads the configuration and wires the application
func (c *cli) open(ctx context.Context, configure func(*config.Config)) (*app.Application, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if configure != nil {
		configure(cfg)
	}
	return app.New(ctx, cfg, c.appOptions...)
}

func (c *cli) serve(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (default from config)")
	open := fs.Bool("open", false, "open the status page in a browser once ready")
	if _, err := c.parse(fs, args, 0); err != nil {
		return err
	}

	a, err := c.open(ctx, func(cfg *config.Config) {
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
	})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	a.OpenBrowser = *open
	return a.Run(ctx)
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for the license server")
	if _, err := c.parse(fs, args, 0); err != nil {
		return err
	}

	a, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	return a.Exec(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()

		a.License.Initialize(ctx)
		st, err := a.License.AwaitInitialized(ctx)
		if err != nil {
			return fmt.Errorf("license state not resolved: %w", err)
		}
		return c.printJSON(st)
	})
}

func (c *cli) activate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("activate", pflag.ContinueOnError)
	pos, err := c.parse(fs, args, 1)
	if err != nil {
		return err
	}

	a, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	return a.Exec(ctx, func(ctx context.Context) error {
		ctx = infrastructure.EnsureTraceID(ctx)
		lic, err := a.License.Activate(ctx, pos[0])
		if err != nil {
			problem := apperrors.MapLicenseError(err, infrastructure.GetTraceID(ctx))
			fmt.Fprintf(c.stderr, "%s: %s\n", problem.Title, problem.Detail)
			return &exitError{code: 1, err: err}
		}
		return c.printJSON(license.Licensed(lic))
	})
}

func (c *cli) credentials(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return &exitError{code: 2, err: errors.New("credentials: expected set or clear")}
	}

	switch args[0] {
	case "set":
		fs := pflag.NewFlagSet("credentials set", pflag.ContinueOnError)
		apiKey := fs.String("api-key", "", "API key (prompted when empty)")
		if _, err := c.parse(fs, args[1:], 0); err != nil {
			return err
		}

		key := []byte(*apiKey)
		if len(key) == 0 {
			var err error
			if key, err = c.readSecret("API key: "); err != nil {
				return err
			}
		}
		secret, err := c.readSecret("API secret: ")
		if err != nil {
			return err
		}
		defer wipe(secret)

		a, err := c.open(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		if err := a.Credentials.Set(ctx, key, secret); err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, "credentials stored")
		return nil

	case "clear":
		fs := pflag.NewFlagSet("credentials clear", pflag.ContinueOnError)
		if _, err := c.parse(fs, args[1:], 0); err != nil {
			return err
		}

		a, err := c.open(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		if err := a.Credentials.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, "credentials cleared")
		return nil

	default:
		return &exitError{code: 2, err: fmt.Errorf("credentials: unknown action %q", args[0])}
	}
}

func (c *cli) reset(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("reset", pflag.ContinueOnError)
	if _, err := c.parse(fs, args, 0); err != nil {
		return err
	}

	a, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	return a.Exec(ctx, func(ctx context.Context) error {
		if err := a.License.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, "license state reset")
		return nil
	})
}

func (c *cli) deviceID(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("device-id", pflag.ContinueOnError)
	components := fs.Bool("components", false, "also list which hardware sources were readable")
	if _, err := c.parse(fs, args, 0); err != nil {
		return err
	}

	a, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	id, err := a.Identity.DeviceID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, id)

	if *components {
		found := a.Identity.Components(ctx)
		names := make([]string, 0, len(found))
		for name := range found {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(c.stdout, "  %-16s %t\n", name, found[name])
		}
	}
	return nil
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// trimLine drops the line terminator from piped input
func trimLine(b []byte) []byte {
	return []byte(strings.TrimRight(string(b), "\r\n"))
}
