package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/queuedrain/internal/notification"
	"pkt.systems/queuedrain/internal/storage"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the notification queue",
	}
	cmd.AddCommand(newQueueCreateCommand())
	cmd.AddCommand(newQueueSendCommand())
	cmd.AddCommand(newQueuePeekCommand())
	cmd.AddCommand(newQueueReceiveCommand())
	return cmd
}

func newQueueCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "create",
		Short:        "Create the queue if it does not exist",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			if err := b.Queue.Create(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s ready\n", b.Queue.Name())
			return nil
		},
	}
}

func newQueueSendCommand() *cobra.Command {
	var (
		notifyBlob string
		delay      time.Duration
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [body]",
		Short: "Enqueue a message or a synthetic BlobCreated notification",
		Example: strings.TrimSpace(`
# Raw body, encoded with --message-encoding
queuedrain queue send '{"data":{"url":"https://acct.blob.core.windows.net/azurestoragesample/a.txt"}}'

# Event Grid BlobCreated notification for an existing blob
queuedrain queue send --notify-blob https://acct.blob.core.windows.net/azurestoragesample/a.txt
`),
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (notifyBlob == "") == (len(args) == 0) {
				return fmt.Errorf("pass either a body or --notify-blob")
			}
			b, cfg, err := openStorage()
			if err != nil {
				return err
			}
			var payload []byte
			if notifyBlob != "" {
				h, err := b.Blobs.Resolve(notifyBlob)
				if err != nil {
					return err
				}
				payload, err = notification.NewBlobCreated(notification.BlobCreated{
					ID:        uuid.NewString(),
					Container: h.Container,
					Name:      h.Name,
					URL:       notifyBlob,
					Time:      time.Now(),
				})
				if err != nil {
					return err
				}
			} else {
				payload = []byte(args[0])
			}
			body := notification.Encode(payload, notification.Encoding(cfg.MessageEncoding))
			msg, err := b.Queue.Enqueue(cmd.Context(), body, storage.EnqueueOptions{VisibilityDelay: delay, TimeToLive: ttl})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s to %s\n", msg.ID, b.Queue.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&notifyBlob, "notify-blob", "", "blob URL to wrap in an Event Grid BlobCreated event")
	cmd.Flags().DurationVar(&delay, "visibility-delay", 0, "hide the message for this long after insert")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "message time to live (0 uses the service default)")
	return cmd
}

func newQueuePeekCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:          "peek",
		Short:        "Show visible messages without hiding them",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := storage.CheckMessageCount(count); err != nil {
				return err
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			msgs, err := b.Queue.Peek(cmd.Context(), count)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), viewMessages(msgs))
		},
	}
	cmd.Flags().IntVarP(&count, "max", "n", 1, "number of messages (1-32)")
	return cmd
}

func newQueueReceiveCommand() *cobra.Command {
	var (
		count      int
		visibility time.Duration
		remove     bool
	)
	cmd := &cobra.Command{
		Use:          "receive",
		Short:        "Receive messages, hiding them for the visibility timeout",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := storage.CheckMessageCount(count); err != nil {
				return err
			}
			b, _, err := openStorage()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			msgs, err := b.Queue.Receive(ctx, count, visibility)
			if err != nil {
				return err
			}
			if remove {
				for _, m := range msgs {
					if err := b.Queue.Delete(ctx, m.ID, m.PopReceipt); err != nil {
						return fmt.Errorf("delete %s: %w", m.ID, err)
					}
				}
			}
			return writeJSON(cmd.OutOrStdout(), viewMessages(msgs))
		},
	}
	cmd.Flags().IntVarP(&count, "max", "n", 1, "number of messages (1-32)")
	cmd.Flags().DurationVar(&visibility, "visibility-timeout", 30*time.Second, "how long received messages stay hidden (whole seconds)")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the messages after printing")
	return cmd
}
