package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"persona-chat/internal/usecase"
)

type personaRemover interface {
	Remove(ctx context.Context, userID, personaID string) (usecase.CascadeReport, error)
}

func init() {
	personaCmd := &cobra.Command{Use: "persona", Short: "Persona operations"}

	deleteCmd := &cobra.Command{
		Use:   "delete PERSONA_ID",
		Short: "Delete a persona with its messages, cursor, items and image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, reads, profiles, err := remoteStores(cmd.Context())
			if err != nil {
				return err
			}
			remover, err := usecase.NewPersonaRemover(messages, reads, profiles, slog.Default())
			if err != nil {
				return err
			}
			return runPersonaDelete(cmd.Context(), os.Stdout, remover, userFlag, args[0])
		},
	}
	personaCmd.AddCommand(deleteCmd)

	rootCmd.AddCommand(personaCmd)
}

// runPersonaDelete prints one line per step. Failed steps are not retried.
func runPersonaDelete(ctx context.Context, w io.Writer, r personaRemover, userID, personaID string) error {
	report, err := r.Remove(ctx, userID, personaID)
	for _, step := range report.Succeeded {
		_, _ = fmt.Fprintf(w, "ok      %s\n", step)
	}
	failed := make([]usecase.CascadeStep, 0, len(report.Failed))
	for step := range report.Failed {
		failed = append(failed, step)
	}
	slices.Sort(failed)
	for _, step := range failed {
		_, _ = fmt.Fprintf(w, "FAILED  %s: %v\n", step, report.Failed[step])
	}
	return err
}
