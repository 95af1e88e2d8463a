// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestServedFromCacheCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requests_served_from_cache",
			Help: "Number of requests served from cache.",
		})
	imageTransformationSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
	transformErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_transformation_errors",
		Help: "Total image transformation failures",
	})
	remoteImageFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_image_fetch_errors",
		Help: "Total image fetch failures",
	})
	redirectsRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_image_redirects_refused",
		Help: "Total redirects refused for leaving the requested root domain",
	})
)

func init() {
	prometheus.MustRegister(imageTransformationSummary)
	prometheus.MustRegister(transformErrors)
	prometheus.MustRegister(requestServedFromCacheCount)
	prometheus.MustRegister(remoteImageFetchErrors)
	prometheus.MustRegister(redirectsRefused)
}
