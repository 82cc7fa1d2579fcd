package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_generations_total",
		Help: "Generation request outcomes.",
	}, []string{"result"})

	redirectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_redirects_total",
		Help: "Total redirect hops requested by backends.",
	})

	imagesRefused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_images_refused_total",
		Help: "Images discarded by post-generate listeners.",
	})
)
