// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package imagegateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Image requests handled by the gateway, by outcome.",
	}, []string{"outcome"})
	fetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fetch_errors",
		Help: "Total image fetches that failed without a response.",
	})
	httpRequestsResponseTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "http",
		Name:      "response_time_seconds",
		Help:      "Request response times",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(fetchErrors)
	prometheus.MustRegister(httpRequestsResponseTime)
}
