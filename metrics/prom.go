package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_paste_served_total",
		Help: "no. of pastes served",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_paste_deleted_total",
		Help: "no. of pastes deleted via token",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_cache_hits_total",
		Help: "no. of response cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_cache_misses_total",
		Help: "no. of response cache misses",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_sweep_cycles_total",
		Help: "no. of expired-record sweep cycles",
	})
	SweepReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_sweep_reclaimed_total",
		Help: "no. of expired records reclaimed by sweeps",
	})
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pim_rate_limit_hits_total",
			Help: "no. of rate limit rejections",
		},
		[]string{"endpoint"},
	)
	HotlinkBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_hotlink_blocked_total",
		Help: "no. of cross-site embed requests rejected",
	})
)
