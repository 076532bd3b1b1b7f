package server

import "sync/atomic"

// Stats collects rendezvous counters. All methods are safe for concurrent
// use.
type Stats struct {
	tcpSessions    atomic.Uint64
	tcpRequests    atomic.Uint64
	udpDatagrams   atomic.Uint64
	registrations  atomic.Uint64
	heartbeats     atomic.Uint64
	introductions  atomic.Uint64
	sweepEvictions atomic.Uint64
	malformed      atomic.Uint64
}

// NewStats creates a statistics collector.
func NewStats() *Stats { return &Stats{} }

// RecordTCPSession counts one accepted connection.
func (s *Stats) RecordTCPSession() { s.tcpSessions.Add(1) }

// RecordTCPRequest counts one handled TCP request frame.
func (s *Stats) RecordTCPRequest() { s.tcpRequests.Add(1) }

// RecordUDPDatagram counts one received datagram.
func (s *Stats) RecordUDPDatagram() { s.udpDatagrams.Add(1) }

// RecordRegistration counts one peer registration or refresh.
func (s *Stats) RecordRegistration() { s.registrations.Add(1) }

// RecordHeartbeat counts one heartbeat answer.
func (s *Stats) RecordHeartbeat() { s.heartbeats.Add(1) }

// RecordIntroduction counts one forwarded introduction.
func (s *Stats) RecordIntroduction() { s.introductions.Add(1) }

// RecordSweepEviction counts one liveness eviction.
func (s *Stats) RecordSweepEviction() { s.sweepEvictions.Add(1) }

// RecordMalformed counts one dropped malformed frame.
func (s *Stats) RecordMalformed() { s.malformed.Add(1) }

// StatsSnapshot is a point-in-time view of the counters.
type StatsSnapshot struct {
	TCPSessions    uint64 `json:"tcp_sessions"`
	TCPRequests    uint64 `json:"tcp_requests"`
	UDPDatagrams   uint64 `json:"udp_datagrams"`
	Registrations  uint64 `json:"registrations"`
	Heartbeats     uint64 `json:"heartbeats"`
	Introductions  uint64 `json:"introductions"`
	SweepEvictions uint64 `json:"sweep_evictions"`
	Malformed      uint64 `json:"malformed_frames"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TCPSessions:    s.tcpSessions.Load(),
		TCPRequests:    s.tcpRequests.Load(),
		UDPDatagrams:   s.udpDatagrams.Load(),
		Registrations:  s.registrations.Load(),
		Heartbeats:     s.heartbeats.Load(),
		Introductions:  s.introductions.Load(),
		SweepEvictions: s.sweepEvictions.Load(),
		Malformed:      s.malformed.Load(),
	}
}
