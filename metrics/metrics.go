/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package metrics exposes the Prometheus counters and gauges a Device
// accumulates as it runs: messages sent/received, maps evaluated,
// overflow events, and active subscribers. The set
// is registered with a caller-supplied prometheus.Registerer since this
// is meant to be embedded in a library rather than run as its own
// daemon.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Device is the set of per-device metrics. Callers register it with
// prometheus.Registerer exactly once per device and use the
// ConstLabels to disambiguate multiple devices in one process.
type Device struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MapsEvaluated    prometheus.Counter
	OverflowEvents   prometheus.Counter
	Subscribers      prometheus.Gauge
	ActiveMaps       prometheus.Gauge
}

// NewDevice builds a Device metric set labeled with the owning device
// name, and registers it with reg.
func NewDevice(reg prometheus.Registerer, deviceName string) *Device {
	labels := prometheus.Labels{"device": deviceName}
	d := &Device{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mpr_messages_sent_total",
			Help:        "OSC messages sent by this device.",
			ConstLabels: labels,
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mpr_messages_received_total",
			Help:        "OSC messages received by this device.",
			ConstLabels: labels,
		}),
		MapsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mpr_maps_evaluated_total",
			Help:        "Expression evaluations performed for outgoing maps.",
			ConstLabels: labels,
		}),
		OverflowEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mpr_instance_overflow_total",
			Help:        "Instance activations that failed with OVERFLOW under steal policy NONE.",
			ConstLabels: labels,
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mpr_subscribers",
			Help:        "Currently active (unexpired) subscription leases.",
			ConstLabels: labels,
		}),
		ActiveMaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mpr_maps_active",
			Help:        "Maps currently in the ACTIVE lifecycle state.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(d.MessagesSent, d.MessagesReceived, d.MapsEvaluated,
			d.OverflowEvents, d.Subscribers, d.ActiveMaps)
	}
	return d
}
