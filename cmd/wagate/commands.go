package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wagate/internal/delivery"
	"wagate/internal/storage"
)

func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one outbound message",
		Long: `Queue one outbound message for a running gateway.

The body may carry {{name}} placeholders filled from --var name=value.
Media is either a path under delivery.media_root or a URL.`,
		Args: cobra.NoArgs,
		RunE: withOffline(func(ctx context.Context, cmd *cobra.Command, o *offline, _ []string) error {
			f := cmd.Flags()
			account, _ := f.GetString("account")
			to, _ := f.GetString("to")
			body, _ := f.GetString("body")
			campaign, _ := f.GetString("campaign")
			vars, _ := f.GetStringToString("var")
			mediaPath, _ := f.GetString("media")
			mediaURL, _ := f.GetString("media-url")
			mediaType, _ := f.GetString("media-type")
			paceMin, _ := f.GetDuration("pace-min")
			paceMax, _ := f.GetDuration("pace-max")
			delay, _ := f.GetDuration("delay")

			j := delivery.Job{
				AccountID:  account,
				CampaignID: campaign,
				Recipient:  to,
				Body:       body,
				Variables:  vars,
				PaceMinMS:  paceMin.Milliseconds(),
				PaceMaxMS:  paceMax.Milliseconds(),
			}
			if mediaPath != "" || mediaURL != "" {
				j.Media = &delivery.Media{Path: mediaPath, URL: mediaURL, Type: mediaType}
			}
			var runAt time.Time
			if delay > 0 {
				runAt = time.Now().Add(delay)
			}
			j, qj, err := delivery.Enqueue(ctx, o.queue, o.store, j, runAt)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"message_id": j.MessageID, "job_id": qj.ID})
		}),
	}
	f := cmd.Flags()
	f.String("account", "", "sending account id")
	f.String("to", "", "recipient address")
	f.String("body", "", "message text")
	f.String("campaign", "", "campaign id for accounting and pause control")
	f.StringToString("var", nil, "template variable (repeatable, name=value)")
	f.String("media", "", "media file path relative to delivery.media_root")
	f.String("media-url", "", "media URL, used when no local file resolves")
	f.String("media-type", "", "media kind (image, video, document, audio)")
	f.Duration("pace-min", 0, "minimum pause after sending (0 = worker default)")
	f.Duration("pace-max", 0, "maximum pause after sending (0 = worker default)")
	f.Duration("delay", 0, "defer the first attempt")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <account>",
		Short: "Show the persisted state and recent events of an account",
		Args:  cobra.ExactArgs(1),
		RunE: withOffline(func(ctx context.Context, cmd *cobra.Command, o *offline, args []string) error {
			limit, _ := cmd.Flags().GetInt("events")
			id := strings.TrimSpace(args[0])
			acct, err := o.store.GetAccount(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("account %q not found", id)
			}
			if err != nil {
				return err
			}
			lease, err := o.store.GetLease(ctx, id)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			creds, err := o.store.HasCredentials(ctx, id)
			if err != nil {
				return err
			}
			events, err := o.store.ListEvents(ctx, id, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"account":         acct,
				"has_credentials": creds,
				"lease":           lease,
				"events":          events,
			})
		}),
	}
	cmd.Flags().Int("events", 10, "number of recent connection events to show")
	return cmd
}

func newCreditsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "credits <account> <delta>",
		Short: "Adjust the credit balance of an account, creating it if needed",
		Args:  cobra.ExactArgs(2),
		RunE: withOffline(func(ctx context.Context, cmd *cobra.Command, o *offline, args []string) error {
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("delta: %w", err)
			}
			err = o.store.AddCredits(ctx, args[0], delta)
			if errors.Is(err, storage.ErrNotFound) {
				err = o.store.PutAccount(ctx, storage.Account{
					ID:        args[0],
					Status:    storage.StatusDisconnected,
					Credits:   delta,
					UpdatedAt: time.Now(),
				})
			}
			if err != nil {
				return err
			}
			acct, err := o.store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"account": acct.ID, "credits": acct.Credits})
		}),
	}
}

func newCampaignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Create, pause, resume or inspect campaigns",
	}
	setStatus := func(use, short string, st storage.CampaignStatus) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <campaign>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withOffline(func(ctx context.Context, cmd *cobra.Command, o *offline, args []string) error {
				return o.store.SetCampaignStatus(ctx, args[0], st)
			}),
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <campaign>",
			Short: "Create a running campaign",
			Args:  cobra.ExactArgs(1),
			RunE: withOffline(func(ctx context.Context, cmd *cobra.Command, o *offline, args []string) error {
				return o.store.PutCampaign(ctx, storage.Campaign{ID: args[0], Status: storage.CampaignRunning})
			}),
		},
		setStatus("pause", "Hold queued messages of a campaign", storage.CampaignPaused),
		setStatus("resume", "Release a paused campaign", storage.CampaignRunning),
		setStatus("complete", "Mark a campaign completed", storage.CampaignCompleted),
		&cobra.Command{
			Use:   "show <campaign>",
			Short: "Print campaign counters",
			Args:  cobra.ExactArgs(1),
			RunE: withOffline(func(ctx context.Context, cmd *cobra.Command, o *offline, args []string) error {
				c, err := o.store.GetCampaign(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			}),
		},
	)
	return cmd
}
