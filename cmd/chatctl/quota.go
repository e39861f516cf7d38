package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"persona-chat/internal/quota"
)

type quotaAdmin interface {
	Status(ctx context.Context, userID string) (quota.Status, error)
	ResetAll(ctx context.Context, userID string) error
}

func init() {
	quotaCmd := &cobra.Command{Use: "quota", Short: "Inspect or reset a user's daily quota"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the user's quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, release, err := quotaManager(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return runQuotaShow(cmd.Context(), os.Stdout, m, userFlag)
		},
	}
	quotaCmd.AddCommand(showCmd)

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop the cached quota state; the next access starts fresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, release, err := quotaManager(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return runQuotaReset(cmd.Context(), os.Stdout, m, userFlag)
		},
	}
	quotaCmd.AddCommand(resetCmd)

	rootCmd.AddCommand(quotaCmd)
}

func runQuotaShow(ctx context.Context, w io.Writer, q quotaAdmin, userID string) error {
	st, err := q.Status(ctx, userID)
	if err != nil {
		return err
	}
	remaining := fmt.Sprint(st.Remaining)
	if st.Subscribed {
		remaining = "unlimited"
	}
	_, _ = fmt.Fprintf(w, "subscribed:       %t\n", st.Subscribed)
	_, _ = fmt.Fprintf(w, "sent today:       %d/%d\n", st.Count, st.Limit)
	_, _ = fmt.Fprintf(w, "remaining:        %s\n", remaining)
	_, _ = fmt.Fprintf(w, "limit reached:    %t\n", st.LimitReached)
	_, _ = fmt.Fprintf(w, "can watch reward: %t\n", st.CanWatchReward)
	return nil
}

func runQuotaReset(ctx context.Context, w io.Writer, q quotaAdmin, userID string) error {
	if err := q.ResetAll(ctx, userID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "quota state for %s reset\n", userID)
	return nil
}
