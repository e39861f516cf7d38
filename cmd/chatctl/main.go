package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"persona-chat/internal/config"
	"persona-chat/internal/localstore"
	"persona-chat/internal/quota"
	"persona-chat/internal/repository"
	"persona-chat/internal/usecase"
)

var (
	envFile     string
	userFlag    string
	personaFlag string
	verbose     bool
	rootCmd     = &cobra.Command{
		Use:           "chatctl",
		Short:         "Admin tool for persona chat state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env") {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Environment file loaded before reading CHAT_* variables")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "User ID (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("user")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if usecase.CodeOf(err) == usecase.ErrorInvalidInput {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func stateClient(ctx context.Context, cfg *config.Config) (*repository.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
}

// remoteStores builds the DynamoDB-backed stores from the environment.
func remoteStores(ctx context.Context) (*repository.MessageStore, *repository.UnreadTracker, *repository.ProfileReader, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := stateClient(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	messages := repository.NewMessageStore(client)
	return messages, repository.NewUnreadTracker(client, messages), repository.NewProfileReader(client), nil
}

// quotaManager opens the quota store the Lambda uses. The returned func
// releases it.
func quotaManager(ctx context.Context) (*quota.Manager, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	var (
		cache   quota.Cache
		release = func() {}
	)
	if cfg.QuotaStore == config.QuotaStoreSQLite {
		store, err := localstore.Open(cfg.LocalDBPath)
		if err != nil {
			return nil, nil, err
		}
		cache, release = store, func() { _ = store.Close() }
	} else {
		client, err := stateClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		cache = repository.NewQuotaStore(client)
	}

	m, err := quota.NewManager(cache, quota.WithDailyLimit(cfg.DailyLimit), quota.WithLocation(loc))
	if err != nil {
		release()
		return nil, nil, err
	}
	return m, release, nil
}
