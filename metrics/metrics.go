// Package metrics exposes the client-side counters and gauges spec.md
// mentions under Context.Metrics()/Port instrumentation (spec.md §4.1,
// §4.2), in the style of the teacher's stats package — but registered as
// real prometheus collectors (github.com/prometheus/client_golang)
// instead of the teacher's statsd push model, since this client has no
// statsd daemon to push to and the pack's other consumer of metrics
// (rclone-rclone) scrapes via client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the full collection of client-side metrics, grouped the way
// stats.Trunner groups counters in the teacher (by subsystem: bus,
// buffers, links).
type Set struct {
	ContextState   *prometheus.GaugeVec
	BuffersSent    prometheus.Counter
	BuffersRecv    prometheus.Counter
	BytesSent      prometheus.Counter
	BytesRecv      prometheus.Counter
	FDsSent        prometheus.Counter
	FDsRecv        prometheus.Counter
	PortsLinked    prometheus.Counter
	PortsUnlinked  prometheus.Counter
	LinkVetoes     prometheus.Counter
	ProtocolErrors prometheus.Counter
}

// New constructs a Set and registers it against reg. Passing a fresh
// prometheus.NewRegistry() per Context avoids collisions when a process
// hosts more than one Context, the same reasoning the teacher applies to
// per-target stats runners.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		ContextState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pinos",
			Subsystem: "context",
			Name:      "state",
			Help:      "1 for the Context's current state, 0 for all others.",
		}, []string{"state"}),
		BuffersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "buffers_sent_total",
			Help: "Buffers handed to send_buffer.",
		}),
		BuffersRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "buffers_received_total",
			Help: "Buffers delivered to receive_buffer.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "bytes_sent_total",
			Help: "Payload bytes of buffers handed to send_buffer.",
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "bytes_received_total",
			Help: "Payload bytes of buffers delivered to receive_buffer.",
		}),
		FDsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "fds_sent_total",
			Help: "File descriptors carried by buffers handed to send_buffer.",
		}),
		FDsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "fds_received_total",
			Help: "File descriptors received via SCM_RIGHTS.",
		}),
		PortsLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "links_total",
			Help: "Successful link() calls.",
		}),
		PortsUnlinked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "unlinks_total",
			Help: "unlink() calls, including peer teardown on Remove.",
		}),
		LinkVetoes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "port", Name: "link_vetoes_total",
			Help: "link() attempts rejected by an Owner veto.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinos", Subsystem: "transport", Name: "protocol_errors_total",
			Help: "Control buffers rejected for a malformed control record list.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.ContextState, s.BuffersSent, s.BuffersRecv, s.BytesSent,
			s.BytesRecv, s.FDsSent, s.FDsRecv, s.PortsLinked, s.PortsUnlinked,
			s.LinkVetoes, s.ProtocolErrors)
	}
	return s
}

// SetState zeroes every state label and sets only the current one to 1,
// matching the "exactly one truth at a time" shape of a state-machine
// gauge vec.
func (s *Set) SetState(states []string, current string) {
	for _, st := range states {
		s.ContextState.WithLabelValues(st).Set(0)
	}
	s.ContextState.WithLabelValues(current).Set(1)
}
