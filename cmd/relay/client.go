package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/echorelay/internal/client"
	"github.com/Tyrowin/echorelay/internal/config"
	"github.com/Tyrowin/echorelay/internal/logging"
)

type clientFlags struct {
	url      string
	origin   string
	timeout  time.Duration
	logLevel string
}

func clientCmd() *cobra.Command {
	flags := &clientFlags{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a relay hub endpoint",
		Long: `Talk to a relay hub endpoint.

Examples:
  relay client echo "hello"
  relay client reverse "hello" --url ws://localhost:9000/ws
  relay client listen`,
	}

	cmd.PersistentFlags().StringVar(&flags.url, "url", "ws://localhost:8080/ws", "Hub endpoint URL")
	cmd.PersistentFlags().StringVar(&flags.origin, "origin", "http://localhost:8080", "Origin header sent with the upgrade")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "Handshake timeout")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "Client log level")

	cmd.AddCommand(
		clientEchoCmd(flags),
		clientReverseCmd(flags),
		clientListenCmd(flags),
	)
	return cmd
}

func clientEchoCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <message>",
		Short: "Invoke EchoWithJsonFormat and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Echo(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func clientReverseCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reverse <message>",
		Short: "Stream a message back one character at a time, reversed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			stream, err := c.Reverse(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for raw := range stream.Items() {
				var item string
				if err := json.Unmarshal(raw, &item); err != nil {
					return fmt.Errorf("decode stream item: %w", err)
				}
				fmt.Fprint(out, item)
			}
			fmt.Fprintln(out)
			return stream.Err()
		},
	}
}

func clientListenCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print broadcasts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			c.OnBroadcast(func(message string) {
				fmt.Fprintf(out, "[%s] %s\n", time.Now().Format(time.TimeOnly), message)
			})

			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		},
	}
}

func (f *clientFlags) dial(ctx context.Context) (*client.Client, error) {
	logger, err := logging.New(os.Stderr, config.LoggingConfig{Level: f.logLevel, Format: "text"})
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, f.url, client.Options{
		Origin:           f.origin,
		HandshakeTimeout: f.timeout,
		Logger:           logger.With().Str("component", "client").Logger(),
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
