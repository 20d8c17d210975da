package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/gitmirror/internal/config"
	"github.com/agentworkforce/gitmirror/internal/consumer"
	"github.com/agentworkforce/gitmirror/internal/scope"
)

func NewSubjectsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "subjects",
		Short:        "Print the stream subjects the consumer filters on",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			s, err := scope.LoadFile(cfg.ScopeFile)
			if err != nil {
				return err
			}
			for _, subject := range s.Subjects() {
				fmt.Fprintln(cmd.OutOrStdout(), subject)
			}
			return nil
		},
	}
}

type PublishOptions struct {
	Provider string
	Owner    string
	Repo     string
	Event    string
	File     string
	MsgID    string
}

// NewPublishCommand replays a stored webhook body onto the stream.
func NewPublishCommand(root *RootOptions) *cobra.Command {
	opts := &PublishOptions{}
	cmd := &cobra.Command{
		Use:          "publish",
		Short:        "Publish a webhook payload to the event stream",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := opts.validate(cfg); err != nil {
				return err
			}
			data, err := readPayload(cmd.InOrStdin(), opts.File)
			if err != nil {
				return err
			}
			publisher, err := consumer.NewJetStreamPublisher(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connect %s: %w", cfg.NATSStream, err)
			}
			defer publisher.Close()

			msgID := opts.MsgID
			if msgID == "" {
				msgID = uuid.NewString()
			}
			subject, err := consumer.PublishEvent(cmd.Context(), publisher, opts.Provider, opts.Owner, opts.Repo, opts.Event, data, msgID)
			if err != nil {
				return err
			}
			logger.Debug("event published", "subject", subject, "msg_id", msgID, "bytes", len(data))
			fmt.Fprintln(cmd.OutOrStdout(), subject)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Provider, "provider", "github", "github or gitlab")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "repository owner or organization")
	cmd.Flags().StringVar(&opts.Repo, "repo", "_", "repository name, _ for organization events")
	cmd.Flags().StringVar(&opts.Event, "event", "", "webhook event type")
	cmd.Flags().StringVar(&opts.File, "file", "-", "payload file, - for stdin")
	cmd.Flags().StringVar(&opts.MsgID, "msg-id", "", "deduplication id, defaults to a random uuid")
	return cmd
}

func (o *PublishOptions) validate(cfg config.Config) error {
	if strings.TrimSpace(o.Owner) == "" || strings.TrimSpace(o.Event) == "" {
		return errors.New("--owner and --event are required")
	}
	if !strings.HasPrefix(cfg.NATSURL, "nats://") && !strings.HasPrefix(cfg.NATSURL, "tls://") {
		return fmt.Errorf("publish needs a nats:// url, got %q", cfg.NATSURL)
	}
	return nil
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}
