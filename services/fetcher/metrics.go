package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sideload_downloads_started_total",
		Help: "Download jobs picked up from the queue.",
	})
	downloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sideload_downloads_completed_total",
		Help: "Downloads that ended with a stored artifact.",
	})
	downloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sideload_downloads_failed_total",
		Help: "Downloads that ended in a failed release status.",
	})
	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sideload_download_bytes_total",
		Help: "Total artifact bytes fetched from origin.",
	})
)
