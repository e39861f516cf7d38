package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"persona-chat/internal/domain"
	"persona-chat/internal/usecase"
)

type messageAdmin interface {
	LoadTranscript(ctx context.Context, key domain.ConversationKey) (*domain.Transcript, error)
	EditMessage(ctx context.Context, t *domain.Transcript, key domain.ConversationKey, id, content string) (domain.Message, error)
	DeleteMessage(ctx context.Context, t *domain.Transcript, key domain.ConversationKey, id string) error
}

func init() {
	messageCmd := &cobra.Command{Use: "message", Short: "Edit or delete single messages"}
	messageCmd.PersistentFlags().StringVarP(&personaFlag, "persona", "p", "", "Persona ID (required)")
	_ = messageCmd.MarkPersistentFlagRequired("persona")

	var content string
	editCmd := &cobra.Command{
		Use:   "edit MESSAGE_ID",
		Short: "Replace a message's content and refresh its timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newMessageAdmin(cmd.Context())
			if err != nil {
				return err
			}
			return runEdit(cmd.Context(), os.Stdout, admin, conversation(), args[0], content)
		},
	}
	editCmd.Flags().StringVarP(&content, "content", "c", "", "New content (required)")
	_ = editCmd.MarkFlagRequired("content")
	messageCmd.AddCommand(editCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete MESSAGE_ID",
		Short: "Permanently delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newMessageAdmin(cmd.Context())
			if err != nil {
				return err
			}
			return runDelete(cmd.Context(), os.Stdout, admin, conversation(), args[0])
		},
	}
	messageCmd.AddCommand(deleteCmd)

	rootCmd.AddCommand(messageCmd)
}

func conversation() domain.ConversationKey {
	return domain.ConversationKey{UserID: userFlag, PersonaID: personaFlag}
}

func newMessageAdmin(ctx context.Context) (*usecase.AdminService, error) {
	messages, _, _, err := remoteStores(ctx)
	if err != nil {
		return nil, err
	}
	return usecase.NewAdminService(messages, slog.Default())
}

func runEdit(ctx context.Context, w io.Writer, admin messageAdmin, key domain.ConversationKey, id, content string) error {
	t, err := admin.LoadTranscript(ctx, key)
	if err != nil {
		return err
	}
	if _, err := admin.EditMessage(ctx, t, key, id, content); err != nil {
		return err
	}
	printTranscript(w, t)
	return nil
}

func runDelete(ctx context.Context, w io.Writer, admin messageAdmin, key domain.ConversationKey, id string) error {
	t, err := admin.LoadTranscript(ctx, key)
	if err != nil {
		return err
	}
	if err := admin.DeleteMessage(ctx, t, key, id); err != nil {
		return err
	}
	printTranscript(w, t)
	return nil
}

func printTranscript(w io.Writer, t *domain.Transcript) {
	for _, m := range t.Messages() {
		_, _ = fmt.Fprintf(w, "%s  %-9s  %s  %s\n",
			m.Timestamp.UTC().Format(time.RFC3339), m.Author, m.ID, m.Content)
	}
}
