package bootstrap

import (
	"time"

	"github.com/outofforest/peerlink/registry"
)

// PeerStatus is the health information of one peer.
type PeerStatus struct {
	Identity        string    `json:"identity"`
	Phase           string    `json:"phase"`
	Attempt         uint64    `json:"attempt"`
	ChannelID       string    `json:"channelId,omitempty"`
	Chain           string    `json:"chain,omitempty"`
	NoChannelReason string    `json:"noChannelReason,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Status is the health surface of the engine.
type Status struct {
	Phases       map[string]int `json:"phases"`
	PeerCount    int            `json:"peerCount"`
	ChannelCount int            `json:"channelCount"`
	Peers        []PeerStatus   `json:"peers"`
}

// Status reports phase and last error of every peer.
func (e *Engine) Status() Status {
	records := e.deps.Registry.Snapshot()

	status := Status{
		Phases: make(map[string]int, len(registry.Phases)),
		Peers:  make([]PeerStatus, 0, len(records)),
	}
	for _, p := range registry.Phases {
		status.Phases[p.String()] = 0
	}
	for _, rec := range records {
		status.Phases[rec.Phase.String()]++
		if rec.Phase == registry.PhaseReady {
			status.PeerCount++
		}
		if rec.HasChannel() {
			status.ChannelCount++
		}
		status.Peers = append(status.Peers, PeerStatus{
			Identity:        rec.Identity.String(),
			Phase:           rec.Phase.String(),
			Attempt:         rec.Attempt,
			ChannelID:       rec.ChannelID,
			Chain:           string(rec.Chain),
			NoChannelReason: rec.NoChannelReason,
			LastError:       rec.LastError,
			UpdatedAt:       rec.UpdatedAt,
		})
	}
	return status
}
