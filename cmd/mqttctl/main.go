// Command mqttctl configures and drives a running mqttagent.
//
//	mqttctl [-c config] [-s socket] <command> [args]
//
// Commands:
//
//	config [-b url] [-p port] [-k keepalive] [-q qos]
//	connect [-u user] [-p password]
//	disconnect
//	send <key> <value>
//	receive
//	status
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttv3/internal/config"
	"github.com/vitalvas/mqttv3/internal/control"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errNoCommand = errors.New("no command given")

const usageTemplate = `usage: {{.UseLine}}
{{- if .HasAvailableSubCommands}}

commands:
{{- range .Commands}}{{if .IsAvailableCommand}}
  {{rpad .Use 50}} {{.Short}}{{end}}{{end}}
{{- end}}
{{- if .HasAvailableLocalFlags}}

flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{- end}}
{{- if .HasAvailableInheritedFlags}}

global flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}
{{- end}}
`

// commandError marks a failure of a command that was invoked correctly.
type commandError struct {
	err error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	socketPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}

	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return exitOK
	}

	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		fmt.Fprintln(stderr, color.RedString("error:"), cmdErr.err)
		return exitFailure
	}

	if !errors.Is(err, errNoCommand) {
		fmt.Fprintln(stderr, color.RedString("error:"), err)
	}
	fmt.Fprint(stderr, cmd.UsageString())
	return exitUsage
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:                   "mqttctl [-c config] [-s socket] <command> [args]",
		Short:                 "Configure and drive the MQTT agent",
		SilenceErrors:         true,
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		RunE: func(*cobra.Command, []string) error {
			return errNoCommand
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetUsageTemplate(usageTemplate)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", config.DefaultPath, "path of config file")
	flags.StringVarP(&c.socketPath, "socket", "s", "", "agent control socket (default from config)")

	root.AddCommand(
		c.configCommand(),
		c.connectCommand(),
		c.disconnectCommand(),
		c.sendCommand(),
		c.receiveCommand(),
		c.statusCommand(),
	)
	return root
}

// action adapts a command body so that its errors are reported as
// failures rather than usage errors.
func action(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &commandError{err: err}
		}
		return nil
	}
}

func (c *cli) loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(c.configPath)
}

func (c *cli) socket() (string, error) {
	if c.socketPath != "" {
		return c.socketPath, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Control.Socket, nil
}

func (c *cli) dial(ctx context.Context) (*control.Client, error) {
	path, err := c.socket()
	if err != nil {
		return nil, err
	}
	return control.Dial(ctx, path)
}

// call sends one request to the agent.
func (c *cli) call(ctx context.Context, req control.Request) (*control.Response, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.Call(req)
}
