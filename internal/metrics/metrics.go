package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "lock_acquisitions_total", Help: "Soft lock acquisition outcomes by result."},
		[]string{"result"},
	)
	LockExpiredReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "lock_expired_reclaims_total", Help: "Expired soft locks reassigned to a new holder."},
	)
	BroadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "broadcasts_sent_total", Help: "Realtime envelopes published by type."},
		[]string{"type"},
	)
	BroadcastsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "broadcasts_suppressed_total", Help: "Broadcasts skipped by reason (unchanged content, echo, stale sequence)."},
		[]string{"reason"},
	)
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "collab_sessions_started_total", Help: "Collaboration sessions created."},
	)
	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "collab_sessions_ended_total", Help: "Collaboration sessions ended by cause."},
		[]string{"cause"},
	)
	IdleFirings = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "idle_timeouts_total", Help: "Idle detector firings."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(LockAcquisitions)
	reg.MustRegister(LockExpiredReclaims)
	reg.MustRegister(BroadcastsSent)
	reg.MustRegister(BroadcastsSuppressed)
	reg.MustRegister(SessionsStarted)
	reg.MustRegister(SessionsEnded)
	reg.MustRegister(IdleFirings)
}
