package lib

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats are the SNMP-style counters of one stack, registered in a registry
// of their own so that several stacks can live in one process.
type Stats struct {
	registry *prometheus.Registry

	IPInReceives      prometheus.Counter
	IPInHdrErrors     prometheus.Counter
	IPInAddrErrors    prometheus.Counter
	IPInUnknownProtos prometheus.Counter
	IPInDiscards      prometheus.Counter
	IPInDelivers      prometheus.Counter
	IPOutRequests     prometheus.Counter
	IPOutDiscards     prometheus.Counter
	IPOutNoRoutes     prometheus.Counter
	IPForwDatagrams   prometheus.Counter
	IPReasmReqds      prometheus.Counter
	IPReasmOKs        prometheus.Counter
	IPReasmFails      prometheus.Counter
	IPReasmTimeouts   prometheus.Counter
	IPFragOKs         prometheus.Counter
	IPFragFails       prometheus.Counter
	IPFragCreates     prometheus.Counter

	ICMPInMsgs    *prometheus.CounterVec
	ICMPOutMsgs   *prometheus.CounterVec
	ICMPInErrors  prometheus.Counter
	ICMPOutErrors prometheus.Counter

	TCPActiveOpens  prometheus.Counter
	TCPPassiveOpens prometheus.Counter
	TCPAttemptFails prometheus.Counter
	TCPEstabResets  prometheus.Counter
	TCPCurrEstab    prometheus.Gauge
	TCPInSegs       prometheus.Counter
	TCPOutSegs      prometheus.Counter
	TCPRetransSegs  prometheus.Counter
	TCPInErrs       prometheus.Counter
	TCPOutRsts      prometheus.Counter
	TCPDrops        *prometheus.CounterVec
	TCPWindowShrink prometheus.Counter

	UDPInDatagrams  prometheus.Counter
	UDPNoPorts      prometheus.Counter
	UDPInErrors     prometheus.Counter
	UDPOutDatagrams prometheus.Counter
}

// Drop reasons for Stats.TCPDrops.
const (
	dropChecksum       = "checksum"
	dropMalformed      = "malformed"
	dropNotAcceptable  = "not_acceptable"
	dropNoBuffer       = "no_buffer"
	dropListenOverflow = "listen_overflow"
	dropBadAck         = "bad_ack"
	dropClosed         = "closed"
)

func newStats(stack string) *Stats {
	r := prometheus.NewRegistry()
	labels := prometheus.Labels{"stack": stack}
	counter := func(subsystem, name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "inetcore",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		r.MustRegister(c)
		return c
	}
	vec := func(subsystem, name, help, label string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "inetcore",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{label})
		r.MustRegister(c)
		return c
	}

	s := &Stats{
		registry: r,

		IPInReceives:      counter("ip", "in_receives_total", "Datagrams received from links."),
		IPInHdrErrors:     counter("ip", "in_hdr_errors_total", "Datagrams discarded for header errors."),
		IPInAddrErrors:    counter("ip", "in_addr_errors_total", "Datagrams discarded for a foreign destination."),
		IPInUnknownProtos: counter("ip", "in_unknown_protos_total", "Datagrams for an unsupported protocol."),
		IPInDiscards:      counter("ip", "in_discards_total", "Input datagrams discarded for lack of resources."),
		IPInDelivers:      counter("ip", "in_delivers_total", "Datagrams delivered to transports."),
		IPOutRequests:     counter("ip", "out_requests_total", "Datagrams handed to IP for sending."),
		IPOutDiscards:     counter("ip", "out_discards_total", "Output datagrams discarded."),
		IPOutNoRoutes:     counter("ip", "out_no_routes_total", "Datagrams without a route."),
		IPForwDatagrams:   counter("ip", "forw_datagrams_total", "Datagrams forwarded."),
		IPReasmReqds:      counter("ip", "reasm_reqds_total", "Fragments received."),
		IPReasmOKs:        counter("ip", "reasm_oks_total", "Datagrams reassembled."),
		IPReasmFails:      counter("ip", "reasm_fails_total", "Fragments rejected by reassembly."),
		IPReasmTimeouts:   counter("ip", "reasm_timeouts_total", "Reassemblies that timed out."),
		IPFragOKs:         counter("ip", "frag_oks_total", "Datagrams fragmented."),
		IPFragFails:       counter("ip", "frag_fails_total", "Datagrams that needed but forbade fragmentation."),
		IPFragCreates:     counter("ip", "frag_creates_total", "Fragments generated."),

		ICMPInMsgs:    vec("icmp", "in_msgs_total", "ICMP messages received.", "type"),
		ICMPOutMsgs:   vec("icmp", "out_msgs_total", "ICMP messages sent.", "type"),
		ICMPInErrors:  counter("icmp", "in_errors_total", "Malformed ICMP messages."),
		ICMPOutErrors: counter("icmp", "out_errors_total", "ICMP messages that could not be sent."),

		TCPActiveOpens:  counter("tcp", "active_opens_total", "Connections opened by Dial."),
		TCPPassiveOpens: counter("tcp", "passive_opens_total", "Connections opened by a listener."),
		TCPAttemptFails: counter("tcp", "attempt_fails_total", "Handshakes that failed."),
		TCPEstabResets:  counter("tcp", "estab_resets_total", "Synchronized connections reset."),
		TCPInSegs:       counter("tcp", "in_segs_total", "Segments received."),
		TCPOutSegs:      counter("tcp", "out_segs_total", "Segments sent."),
		TCPRetransSegs:  counter("tcp", "retrans_segs_total", "Segments retransmitted."),
		TCPInErrs:       counter("tcp", "in_errs_total", "Segments received with errors."),
		TCPOutRsts:      counter("tcp", "out_rsts_total", "Resets sent."),
		TCPDrops:        vec("tcp", "drops_total", "Segments dropped.", "reason"),
		TCPWindowShrink: counter("tcp", "window_shrink_total", "Receive window reductions under memory pressure."),

		UDPInDatagrams:  counter("udp", "in_datagrams_total", "Datagrams delivered to endpoints."),
		UDPNoPorts:      counter("udp", "no_ports_total", "Datagrams for an unbound port."),
		UDPInErrors:     counter("udp", "in_errors_total", "Datagrams dropped on input."),
		UDPOutDatagrams: counter("udp", "out_datagrams_total", "Datagrams sent."),
	}
	s.TCPCurrEstab = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "inetcore",
		Subsystem:   "tcp",
		Name:        "curr_estab",
		Help:        "Connections in ESTABLISHED or CLOSE_WAIT.",
		ConstLabels: labels,
	})
	r.MustRegister(s.TCPCurrEstab)
	return s
}

// Registry exposes the counters, e.g. to promhttp.HandlerFor.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}
