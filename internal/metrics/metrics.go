// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesQueuedTotal counts link frames handed to the transmitter
	FramesQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_frames_queued_total",
			Help: "Total number of link frames built for transmission",
		},
		[]string{"interface"},
	)

	// DatagramsQueuedTotal counts IPv6 datagrams by framing outcome
	DatagramsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_datagrams_queued_total",
			Help: "Total number of IPv6 datagrams framed, by single or fragmented",
		},
		[]string{"interface", "mode"},
	)

	// QueueErrorsTotal counts framing failures by reason
	QueueErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_queue_errors_total",
			Help: "Total number of datagrams that could not be framed",
		},
		[]string{"interface", "reason"},
	)

	// DatagramTag tracks the next datagram tag per interface
	DatagramTag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lowpan_datagram_tag",
			Help: "Next fragment datagram tag of the interface",
		},
		[]string{"interface"},
	)

	// HeaderEncodingsTotal counts header encodings by scheme actually used
	HeaderEncodingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_header_encodings_total",
			Help: "Total number of IPv6 headers encoded, by dispatch scheme",
		},
		[]string{"scheme"},
	)

	// HeaderBytesSaved sums uncompressed minus encoded header bytes
	HeaderBytesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lowpan_header_bytes_saved_total",
			Help: "Header bytes elided by compression",
		},
		[]string{"scheme"},
	)

	// FrameBuffersInUse tracks frame buffers lent out by the pool
	FrameBuffersInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowpan_frame_buffers_in_use",
			Help: "Number of frame buffers currently allocated",
		},
	)

	// ReassemblyActiveDatagrams tracks datagrams awaiting more fragments
	ReassemblyActiveDatagrams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lowpan_reassembly_active_datagrams",
			Help: "Number of datagrams in the reassembly table",
		},
	)

	// ReassembledDatagramsTotal counts datagrams rebuilt from fragments
	ReassembledDatagramsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lowpan_reassembled_datagrams_total",
			Help: "Total number of datagrams rebuilt from fragments",
		},
	)
)

// Error reasons used as the QueueErrorsTotal label.
const (
	ReasonHeader      = "header"
	ReasonTooLarge    = "too_large"
	ReasonAllocation  = "allocation"
	ReasonUnsupported = "unsupported_protocol"
	ReasonMalformed   = "malformed"
)
