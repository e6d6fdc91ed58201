/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors shared across the
// policy engine, data plane and expiry monitor, and the small HTTP server
// that exposes them.
package metrics

import (
	"context"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pawelmojski/portcullis"
)

var (
	// DeniedLogins counts SSH logins denied before a password prompt.
	DeniedLogins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: portcullis.MetricDeniedLogins,
		Help: "Number of SSH logins denied by the policy engine.",
	})
	// ActiveSessions gauges live sessions across both protocols.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: portcullis.MetricActiveSessions,
		Help: "Number of currently active proxied sessions.",
	})
	// BackendDialFailures counts failed dials to a resolved backend.
	BackendDialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: portcullis.MetricBackendDialFailures,
		Help: "Number of failed backend dial attempts.",
	})
	// GrantExpirations counts sessions torn down by the expiry monitor.
	GrantExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: portcullis.MetricGrantExpirations,
		Help: "Number of sessions torn down because their grant expired.",
	})
)

func init() {
	prometheus.MustRegister(DeniedLogins, ActiveSessions, BackendDialFailures, GrantExpirations)
}

// Serve starts the Prometheus exporter on addr and blocks until ctx is
// canceled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return trace.Wrap(server.Close())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err)
		}
		return nil
	}
}
