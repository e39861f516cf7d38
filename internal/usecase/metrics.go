package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "chat",
		Name:      "sends_total",
		Help:      "User messages accepted past the quota gate.",
	})

	quotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "chat",
		Name:      "quota_rejections_total",
		Help:      "Sends blocked because the daily limit was reached.",
	})

	generationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "chat",
		Name:      "generation_failures_total",
		Help:      "Reply generations that failed or came back empty.",
	})

	storeWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "chat",
		Name:      "store_write_failures_total",
		Help:      "Remote writes that failed, by operation.",
	}, []string{"op"})

	outreachDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "outreach",
		Name:      "decisions_total",
		Help:      "Outreach checks by outcome (sent or the gate that stopped it).",
	}, []string{"outcome"})

	cascadeStepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "cascade",
		Name:      "step_failures_total",
		Help:      "Failed persona-removal steps, by step.",
	}, []string{"step"})
)
