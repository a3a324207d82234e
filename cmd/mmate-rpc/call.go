package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/client"
	"github.com/glimte/mmate-rpc/transport"
)

func newCallCmd(load loader) *cobra.Command {
	var (
		target  string
		id      string
		timeout time.Duration
		oneWay  bool
	)

	cmd := &cobra.Command{
		Use:   "call <operation> [payload]",
		Short: "Invoke an operation and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if target == "" {
				target = cfg.Client.Target
			}
			if target == "" {
				return errors.New("no target; pass --target or set client.target")
			}
			// a caller never serves the configured endpoints
			cfg.Endpoints = nil

			ref := transport.NewEndpointReference(target)
			if id != "" {
				ref = transport.AddressWithID(ref, id)
			}
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			ctx := cmd.Context()
			rt, err := mmate.New(ctx, cfg, mmate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), mmate.DefaultShutdownTimeout)
				defer cancel()
				_ = rt.Close(closeCtx)
			}()

			var opts []client.Option
			if timeout > 0 {
				opts = append(opts, client.WithTimeout(timeout))
			}
			c, err := rt.NewClient(ctx, ref, opts...)
			if err != nil {
				return err
			}

			if oneWay {
				return c.InvokeOneWay(ctx, args[0], payload)
			}
			reply, err := c.Invoke(ctx, args[0], payload)
			if err != nil {
				return fmt.Errorf("%s on %s: %w", args[0], ref, err)
			}
			out := string(reply)
			if !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			_, err = fmt.Fprint(os.Stdout, out)
			return err
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "endpoint address, e.g. nats:orders")
	cmd.Flags().StringVar(&id, "id", "", "endpoint id on a multiplexed address")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply timeout (default from config)")
	cmd.Flags().BoolVar(&oneWay, "oneway", false, "send without waiting for a reply")
	return cmd
}
