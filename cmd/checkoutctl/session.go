package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	envAdminAddr     = "FUNNEL_ADMIN_ADDR"
	defaultAdminAddr = "localhost:50051"
)

type adminCall func(sessionAdmin, context.Context, string, ...grpc.CallOption) (*structpb.Struct, error)

func newSessionCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and repair funnel sessions through the admin gRPC API",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "admin gRPC address (fallback: "+envAdminAddr+", default "+defaultAdminAddr+")")

	sub := func(use, short string, call adminCall) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <session-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := strings.TrimSpace(args[0])
				if id == "" {
					return errors.New("session id is required")
				}
				target := opts.env(addr, envAdminAddr)
				if target == "" {
					target = defaultAdminAddr
				}

				client, closeFn, err := opts.deps.dialAdmin(target)
				if err != nil {
					return fmt.Errorf("connect to admin api: %w", err)
				}
				defer func() { _ = closeFn() }()

				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()

				doc, err := call(client, ctx, id)
				if err != nil {
					return fmt.Errorf("%s %s: %w", use, id, err)
				}
				out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(doc)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			},
		}
	}

	cmd.AddCommand(
		sub("get", "Show a session with its orders and timeline", sessionAdmin.GetSession),
		sub("reconcile", "Ask the payment gateway about pending orders of a session", sessionAdmin.ReconcileSession),
		sub("expire", "Close a session regardless of its expiry time", sessionAdmin.ExpireSession),
	)
	return cmd
}
