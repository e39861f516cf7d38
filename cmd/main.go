package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"persona-chat/handler"
	"persona-chat/internal/config"
	"persona-chat/internal/integrations/openai"
	"persona-chat/internal/integrations/paramstore"
	"persona-chat/internal/localstore"
	"persona-chat/internal/quota"
	"persona-chat/internal/repository"
	"persona-chat/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.New()
	if err != nil {
		fatal("failed to load configuration", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		fatal("failed to resolve time zone", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Stores ----
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	messages := repository.NewMessageStore(stateClient)
	reads := repository.NewUnreadTracker(stateClient, messages)
	profiles := repository.NewProfileReader(stateClient)

	// Quota and outreach state must be visible to every Lambda environment.
	var cache stateCache = repository.NewQuotaStore(stateClient)
	if cfg.QuotaStore == config.QuotaStoreSQLite {
		local, err := localstore.Open(cfg.LocalDBPath)
		if err != nil {
			fatal("failed to open local store", err)
		}
		defer func() { _ = local.Close() }()
		cache = local
	}

	quotaManager, err := quota.NewManager(cache,
		quota.WithDailyLimit(cfg.DailyLimit),
		quota.WithLocation(loc),
		quota.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create quota manager", err)
	}

	// ---- Reply generation ----
	var completer usecase.Completer
	if cfg.FallbackMode() {
		logger.Warn("no completion token configured, replies come from the fallback catalogue")
	} else {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg),
			paramstore.WithRetry(uint64(cfg.ParamRetries), 200*time.Millisecond))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		openaiClient, err := openai.NewClient(ssmClient, cfg.OpenAITokenParam,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithMaxTokens(cfg.OpenAIMaxTokens),
		)
		if err != nil {
			fatal("failed to create OpenAI client", err)
		}
		completer = openaiClient
	}
	generator, err := usecase.NewGenerator(completer, cfg.OpenAIModel,
		usecase.WithTemperature(cfg.Temperature),
		usecase.WithHistoryWindow(cfg.HistoryWindow),
		usecase.WithGeneratorLogger(logger),
	)
	if err != nil {
		fatal("failed to create generator", err)
	}

	// ---- Services ----
	chatService, err := usecase.NewChatService(messages, reads, profiles, profiles, quotaManager, generator,
		usecase.WithMarkReadDelay(cfg.MarkReadDelay),
		usecase.WithChatLogger(logger),
	)
	if err != nil {
		fatal("failed to create chat service", err)
	}
	outreach, err := usecase.NewOutreachScheduler(cache, messages, profiles, generator,
		usecase.WithOutreachLimits(cfg.OutreachMinInterval, cfg.OutreachMaxPerDay, cfg.OutreachOdds),
		usecase.WithOutreachClock(time.Now, loc),
		usecase.WithOutreachLogger(logger),
	)
	if err != nil {
		fatal("failed to create outreach scheduler", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chatService, outreach, logger,
		handler.WithUserHeader(cfg.TrustUserHeader),
		handler.WithMetrics(prometheus.DefaultGatherer),
	)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

type stateCache interface {
	quota.Cache
	usecase.OutreachCache
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
