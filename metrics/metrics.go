// Package metrics exposes bootstrap, channel and payment gate activity.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/outofforest/peerlink/bootstrap"
	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/gate"
	"github.com/outofforest/peerlink/registry"
)

// Namespace is the namespace of all the metrics exposed by the node.
const Namespace = "peerlink"

var (
	_ bootstrap.Metrics = &Metrics{}
	_ channel.Metrics   = &Metrics{}
	_ gate.Metrics      = &Metrics{}
)

// Metrics contains metrics exposed by the node.
type Metrics struct {
	// Number of phase transitions.
	Transitions metrics.Counter
	// Number of peers in each phase.
	PeersByPhase metrics.Gauge
	// Number of ready peers.
	ReadyPeers metrics.Gauge
	// Number of peers with established channel.
	Channels metrics.Gauge
	// Number of channels opened.
	ChannelsOpened metrics.Counter
	// Number of channels which failed to open.
	ChannelFailures metrics.Counter
	// Number of submissions repeated because of nonce conflict.
	NonceRetries metrics.Counter
	// Number of payment decisions.
	PaymentDecisions metrics.Counter
}

// PrometheusMetrics returns metrics registered in the registerer.
func PrometheusMetrics(registerer stdprometheus.Registerer) (*Metrics, error) {
	transitions := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "bootstrap",
		Name:      "transitions_total",
		Help:      "Number of phase transitions.",
	}, []string{"phase"})
	peersByPhase := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "bootstrap",
		Name:      "peers",
		Help:      "Number of peers in each phase.",
	}, []string{"phase"})
	readyPeers := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "bootstrap",
		Name:      "ready_peers",
		Help:      "Number of ready peers.",
	}, nil)
	channels := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "bootstrap",
		Name:      "channels",
		Help:      "Number of peers with established channel.",
	}, nil)
	channelsOpened := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "channel",
		Name:      "opened_total",
		Help:      "Number of channels opened.",
	}, nil)
	channelFailures := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "channel",
		Name:      "failures_total",
		Help:      "Number of channels which failed to open.",
	}, nil)
	nonceRetries := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "channel",
		Name:      "nonce_retries_total",
		Help:      "Number of submissions repeated because of nonce conflict.",
	}, nil)
	paymentDecisions := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Number of payment decisions.",
	}, []string{"kind", "result"})

	for _, c := range []stdprometheus.Collector{
		transitions, peersByPhase, readyPeers, channels, channelsOpened, channelFailures, nonceRetries,
		paymentDecisions,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return &Metrics{
		Transitions:      prometheus.NewCounter(transitions),
		PeersByPhase:     prometheus.NewGauge(peersByPhase),
		ReadyPeers:       prometheus.NewGauge(readyPeers),
		Channels:         prometheus.NewGauge(channels),
		ChannelsOpened:   prometheus.NewCounter(channelsOpened),
		ChannelFailures:  prometheus.NewCounter(channelFailures),
		NonceRetries:     prometheus.NewCounter(nonceRetries),
		PaymentDecisions: prometheus.NewCounter(paymentDecisions),
	}, nil
}

// NopMetrics returns no-op metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Transitions:      discard.NewCounter(),
		PeersByPhase:     discard.NewGauge(),
		ReadyPeers:       discard.NewGauge(),
		Channels:         discard.NewGauge(),
		ChannelsOpened:   discard.NewCounter(),
		ChannelFailures:  discard.NewCounter(),
		NonceRetries:     discard.NewCounter(),
		PaymentDecisions: discard.NewCounter(),
	}
}

// Transitioned counts phase transition.
func (m *Metrics) Transitioned(phase registry.Phase) {
	m.Transitions.With("phase", phase.String()).Add(1)
}

// Observe sets gauges from registry summary.
func (m *Metrics) Observe(counts registry.Counts) {
	for _, p := range registry.Phases {
		m.PeersByPhase.With("phase", p.String()).Set(float64(counts.Phases[p]))
	}
	m.ReadyPeers.Set(float64(counts.Peers))
	m.Channels.Set(float64(counts.Channels))
}

// Opened counts opened channel.
func (m *Metrics) Opened() {
	m.ChannelsOpened.Add(1)
}

// Failed counts channel which failed to open.
func (m *Metrics) Failed() {
	m.ChannelFailures.Add(1)
}

// NonceRetried counts resubmission.
func (m *Metrics) NonceRetried() {
	m.NonceRetries.Add(1)
}

// Accepted counts accepted payment.
func (m *Metrics) Accepted(kind gate.PayloadKind) {
	m.PaymentDecisions.With("kind", kind.String(), "result", "accepted").Add(1)
}

// Rejected counts rejected payment.
func (m *Metrics) Rejected(kind gate.PayloadKind, reason error) {
	m.PaymentDecisions.With("kind", kind.String(), "result", rejectionLabel(reason)).Add(1)
}

func rejectionLabel(reason error) string {
	switch {
	case errors.Is(reason, gate.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(reason, gate.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(reason, gate.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "rejected"
	}
}
