package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
)

const envKafkaBrokers = "FUNNEL_KAFKA_BROKERS"

func newDLQCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead letter topic",
	}
	cmd.AddCommand(newDLQReplayCommand(opts))
	return cmd
}

func newDLQReplayCommand(opts *rootOptions) *cobra.Command {
	var (
		brokers    string
		replayOpts kafka.ReplayOptions
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Send dead-lettered messages back to their topics (dry-run unless --execute)",
		Long: `Reads funnel.dlq from the oldest offset and republishes each record.

Consumer dead letters go back to their original topic. Outbox dead letters are
rebuilt into envelopes and sent to --target. Without --execute nothing is
published and the command only reports what would be replayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list := kafka.ParseBrokers(opts.env(brokers, envKafkaBrokers))
			if len(list) == 0 {
				return errors.New(envKafkaBrokers + " (or --brokers) is required")
			}

			runner, closeFn, err := opts.deps.newReplayer(list, replayOpts.Execute)
			if err != nil {
				return fmt.Errorf("connect to kafka: %w", err)
			}
			defer func() { _ = closeFn() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			report, err := runner.Run(ctx, replayOpts)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			mode := "dry-run"
			if replayOpts.Execute {
				mode = "executed"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "dlq replay %s: processed=%d replayed=%d skipped=%d\n",
				mode, report.Processed, report.Replayed, report.Skipped)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&brokers, "brokers", "", "comma separated kafka brokers (fallback: "+envKafkaBrokers+")")
	flags.StringVar(&replayOpts.SourceTopic, "source", kafka.TopicDeadLetterQueue, "dead letter topic to read")
	flags.StringVar(&replayOpts.DefaultTopic, "target", kafka.TopicWorkflowEvents, "topic for outbox dead letters")
	flags.IntVar(&replayOpts.Limit, "limit", 100, "maximum number of messages to process")
	flags.BoolVar(&replayOpts.Execute, "execute", false, "actually publish messages")
	flags.BoolVar(&replayOpts.FromNewest, "from-newest", false, "read only messages produced after start")
	flags.DurationVar(&replayOpts.IdleTimeout, "idle-timeout", 2*time.Second, "stop reading a partition after this idle period")
	return cmd
}
