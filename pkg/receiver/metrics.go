/*
Copyright 2025 The Urpo Authors.

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

package receiver

import "github.com/prometheus/client_golang/prometheus"

const receiverSubsystem = "receiver"

var (
	spansReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "urpo",
			Subsystem: receiverSubsystem,
			Name:      "spans_received_total",
			Help:      "Number of spans received, per transport",
		}, []string{"transport"})

	spansRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "urpo",
			Subsystem: receiverSubsystem,
			Name:      "spans_rejected_total",
			Help:      "Number of spans rejected before indexing, per transport and reason",
		}, []string{"transport", "reason"})

	exportRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "urpo",
			Subsystem: receiverSubsystem,
			Name:      "export_requests_total",
			Help:      "Number of OTLP export requests handled, per transport",
		}, []string{"transport"})
)

func init() {
	prometheus.MustRegister(spansReceived)
	prometheus.MustRegister(spansRejected)
	prometheus.MustRegister(exportRequests)
}
