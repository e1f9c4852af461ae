package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttv3"
	"github.com/vitalvas/mqttv3/internal/config"
	"github.com/vitalvas/mqttv3/internal/control"
)

func (c *cli) configCommand() *cobra.Command {
	var url string
	var port, keepAlive, qos int

	cmd := &cobra.Command{
		Use:                   "config [-b url] [-p port] [-k keepalive] [-q qos]",
		Short:                 "Show or change the broker settings",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
	}
	cmd.RunE = action(func(cmd *cobra.Command, _ []string) error {
		changed := false
		for _, name := range []string{"broker", "port", "keepalive", "qos"} {
			changed = changed || cmd.Flags().Changed(name)
		}
		return c.config(cmd.Context(), changed, url, port, keepAlive, qos)
	})

	flags := cmd.Flags()
	flags.StringVarP(&url, "broker", "b", "", "broker URL")
	flags.IntVarP(&port, "port", "p", -1, "broker port")
	flags.IntVarP(&keepAlive, "keepalive", "k", -1, "keepalive in seconds")
	flags.IntVarP(&qos, "qos", "q", -1, "QoS of published messages")
	return cmd
}

func (c *cli) config(ctx context.Context, changed bool, url string, port, keepAlive, qos int) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if !changed {
		c.printBroker("", cfg.Broker)
		return nil
	}

	prev, err := cfg.ApplyBroker(url, port, keepAlive, qos)
	if err != nil {
		return err
	}
	if err := cfg.Save(c.configPath); err != nil {
		return err
	}

	c.printBroker("previous ", prev)
	c.printBroker("new ", cfg.Broker)

	// A running agent picks up the change immediately.
	path := cfg.Control.Socket
	if c.socketPath != "" {
		path = c.socketPath
	}
	client, err := control.Dial(ctx, path)
	if err != nil {
		fmt.Fprintln(c.stdout, color.YellowString("agent not running, saved for next start"))
		return nil
	}
	defer client.Close()

	if _, err := client.Call(control.ConfigureRequest(url, port, keepAlive, qos)); err != nil {
		return fmt.Errorf("agent rejected configuration: %w", err)
	}
	return nil
}

func (c *cli) printBroker(prefix string, b config.BrokerConfig) {
	fmt.Fprintf(c.stdout, "%sbroker=%s port=%d keepalive=%d qos=%d\n", prefix, b.URL, b.Port, b.KeepAlive, b.QoS)
}

func (c *cli) connectCommand() *cobra.Command {
	var user, password string

	cmd := &cobra.Command{
		Use:                   "connect [-u user] [-p password]",
		Short:                 "Connect the agent to the broker",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
	}
	cmd.RunE = action(func(cmd *cobra.Command, _ []string) error {
		return c.connect(cmd.Context(), user, password)
	})

	cmd.Flags().StringVarP(&user, "user", "u", "", "username, replaces the device id")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default from config)")
	return cmd
}

func (c *cli) connect(ctx context.Context, user, password string) error {
	if password == "" {
		if cfg, err := c.loadConfig(); err == nil {
			password = cfg.Device.Secret
		}
	}

	if _, err := c.call(ctx, control.Request{Op: control.OpConnect, Username: user, Password: password}); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "connect requested")
	return nil
}

func (c *cli) disconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the agent from the broker",
		Args:  cobra.NoArgs,
		RunE: action(func(cmd *cobra.Command, _ []string) error {
			return c.disconnect(cmd.Context())
		}),
	}
}

func (c *cli) disconnect(ctx context.Context) error {
	if _, err := c.call(ctx, control.Request{Op: control.OpDisconnect}); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "disconnected")
	return nil
}

func (c *cli) sendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <key> <value>",
		Short: "Publish a key/value pair on the device messages topic",
		Args:  cobra.ExactArgs(2),
		RunE: action(func(cmd *cobra.Command, args []string) error {
			return c.send(cmd.Context(), args[0], args[1])
		}),
	}
}

func (c *cli) send(ctx context.Context, key, value string) error {
	if _, err := c.call(ctx, control.Request{Op: control.OpSend, Key: key, Value: value}); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "sent %s = %s\n", key, value)
	return nil
}

func (c *cli) receiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Print incoming command parameters and state changes",
		Args:  cobra.NoArgs,
		RunE: action(func(cmd *cobra.Command, _ []string) error {
			return c.receive(cmd.Context())
		}),
	}
}

func (c *cli) receive(ctx context.Context) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(); err != nil {
		return err
	}

	for {
		ev, err := client.NextEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.printEvent(ev)
	}
}

func (c *cli) printEvent(ev control.Event) {
	switch ev.Type {
	case control.EventMessage:
		m := ev.Message
		fmt.Fprintf(c.stdout, "%s = %s @ %s\n", color.CyanString(m.Key), m.Value, formatTimestamp(m.Timestamp))
	case control.EventState:
		fmt.Fprintln(c.stdout, formatState(ev.State))
	}
}

func formatState(s *control.StateEvent) string {
	if s.Connected {
		return color.GreenString("connected")
	}
	if s.ConnectError == 0 && s.SubscribeError == 0 && s.Error == "" {
		return color.YellowString("disconnected")
	}

	var b strings.Builder
	b.WriteString(color.RedString("disconnected"))
	fmt.Fprintf(&b, " (connect=%d, subscribe=%d)", s.ConnectError, s.SubscribeError)
	if s.Error != "" {
		b.WriteString(": " + s.Error)
	}
	return b.String()
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent connection status",
		Args:  cobra.NoArgs,
		RunE: action(func(cmd *cobra.Command, _ []string) error {
			return c.status(cmd.Context())
		}),
	}
}

func (c *cli) status(ctx context.Context) error {
	resp, err := c.call(ctx, control.Request{Op: control.OpStatus})
	if err != nil {
		return err
	}

	st := resp.Status
	state := color.YellowString(st.State)
	if st.Connected {
		state = color.GreenString(st.State)
	}
	fmt.Fprintf(c.stdout, "state:     %s\n", state)
	fmt.Fprintf(c.stdout, "device:    %s\n", st.DeviceID)
	fmt.Fprintf(c.stdout, "broker:    %s\n", brokerString(st.Broker))
	fmt.Fprintf(c.stdout, "keepalive: %d\n", st.Broker.KeepAlive)
	fmt.Fprintf(c.stdout, "qos:       %d\n", st.Broker.QoS)
	fmt.Fprintf(c.stdout, "bearer:    %t\n", st.BearerUp)

	if len(st.Metrics) > 0 {
		names := make([]string, 0, len(st.Metrics))
		for name := range st.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(c.stdout, "metrics:")
		for _, name := range names {
			fmt.Fprintf(c.stdout, "  %s %g\n", name, st.Metrics[name])
		}
	}
	return nil
}

func brokerString(b mqttv3.BrokerConfig) string {
	u, err := mqttv3.BrokerAddress(b.URL, b.Port)
	if err != nil {
		return b.URL
	}
	return u.String()
}
