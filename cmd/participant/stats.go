package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// trackCounters is implemented by transports that count received RTP.
type trackCounters interface {
	Packets() uint64
	Bytes() uint64
	SourceSwitches() uint64
}

// receiveStats remembers the incoming tracks of each remote peer so the
// links command can show what is actually arriving.
type receiveStats struct {
	mu     sync.Mutex
	tracks map[domain.ParticipantID][]ports.RemoteTrack
}

func newReceiveStats() *receiveStats {
	return &receiveStats{tracks: make(map[domain.ParticipantID][]ports.RemoteTrack)}
}

func (r *receiveStats) add(remote domain.ParticipantID, track ports.RemoteTrack) {
	r.mu.Lock()
	r.tracks[remote] = append(r.tracks[remote], track)
	r.mu.Unlock()
}

func (r *receiveStats) forget(remote domain.ParticipantID) {
	r.mu.Lock()
	delete(r.tracks, remote)
	r.mu.Unlock()
}

// describe renders one line per remote, e.g.
// "audio 120 pkts 9.4 KiB, video 300 pkts 41.0 KiB 1 switch".
func (r *receiveStats) describe(remote domain.ParticipantID) string {
	r.mu.Lock()
	tracks := append([]ports.RemoteTrack(nil), r.tracks[remote]...)
	r.mu.Unlock()

	if len(tracks) == 0 {
		return "no media yet"
	}
	sort.SliceStable(tracks, func(i, j int) bool { return tracks[i].Kind() < tracks[j].Kind() })

	parts := make([]string, 0, len(tracks))
	for _, track := range tracks {
		counters, ok := track.(trackCounters)
		if !ok {
			parts = append(parts, string(track.Kind()))
			continue
		}
		part := fmt.Sprintf("%s %d pkts %.1f KiB", track.Kind(), counters.Packets(), float64(counters.Bytes())/1024)
		switch n := counters.SourceSwitches(); n {
		case 0:
		case 1:
			part += " 1 switch"
		default:
			part += fmt.Sprintf(" %d switches", n)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
