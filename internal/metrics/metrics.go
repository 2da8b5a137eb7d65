package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler Metrics
	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starfall_task_runs_total",
		Help: "The total number of scheduled task passes by task and outcome",
	}, []string{"task", "outcome"})
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "starfall_task_duration_seconds",
		Help:    "Duration of scheduled task passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// Notification Metrics
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starfall_notifications_total",
		Help: "The total number of direct messages sent by outcome",
	}, []string{"outcome"})
	AnnouncementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starfall_announcements_total",
		Help: "The total number of channel announcements by publisher and outcome",
	}, []string{"publisher", "outcome"})

	// Economy Metrics
	RewardGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starfall_reward_grants_total",
		Help: "The total number of reward grants applied by source",
	}, []string{"source"})
	PurchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starfall_purchases_total",
		Help: "The total number of completed Telegram Stars purchases",
	})
	CrystalsSpentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starfall_crystals_spent_total",
		Help: "The total number of crystals spent in the shop by item",
	}, []string{"item"})

	// Bot Metrics
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starfall_bot_commands_total",
		Help: "The total number of bot commands handled",
	}, []string{"command"})
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome maps an error to its outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
