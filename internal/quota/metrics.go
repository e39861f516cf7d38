package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rewardsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "quota",
		Name:      "rewards_granted_total",
		Help:      "Reward-ad resets applied to the daily count.",
	})

	subscriptionCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "persona_chat",
		Subsystem: "quota",
		Name:      "subscription_cache_corrections_total",
		Help:      "Times the cached subscription flag disagreed with the authoritative one.",
	})
)
