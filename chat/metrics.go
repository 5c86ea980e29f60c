// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// channelMetrics counts streaming channel activity. With a nil
// registerer the counters still work but are not exported anywhere.
type channelMetrics struct {
	polls     prometheus.Counter
	frames    prometheus.Counter
	bytes     prometheus.Counter
	resyncs   prometheus.Counter
	reconnect *prometheus.CounterVec
}

func newChannelMetrics(reg prometheus.Registerer) *channelMetrics {
	factory := promauto.With(reg)
	return &channelMetrics{
		polls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "channel",
			Name:      "polls_total",
			Help:      "Long-poll requests opened against the events endpoint.",
		}),
		frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Frames delivered to the event router.",
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "channel",
			Name:      "stream_bytes_total",
			Help:      "Raw bytes read from the streaming connection.",
		}),
		resyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "channel",
			Name:      "resyncs_total",
			Help:      "Resync cycles triggered by sequence gaps.",
		}),
		reconnect: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwire",
			Subsystem: "channel",
			Name:      "reconnects_total",
			Help:      "Reconnections by reason.",
		}, []string{"reason"}),
	}
}
