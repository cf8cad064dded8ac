package rtc

import (
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const statsInterval = 5 * time.Second

// ReceiveStats counts inbound RTP on one remote track.
type ReceiveStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
	lastSeq uint16
}

// Observe counts a packet; forward sequence gaps are counted as lost.
func (s *ReceiveStats) Observe(pkt *rtp.Packet) {
	if s.Packets > 0 {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.Lost += uint64(gap - 1)
		}
	}
	s.lastSeq = pkt.SequenceNumber
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
}

// DrainRemote reads t until its link closes it, logging receive statistics
// along the way, and returns the totals.
func DrainRemote(linkID string, t core.RemoteTrack) ReceiveStats {
	var st ReceiveStats
	last := time.Now()
	logger := log.With().Str("module", "rtc.stats").Str("link", linkID).Str("track", t.ID()).Str("kind", t.Kind().String()).Logger()
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Uint64("lost", st.Lost).Msg("remote track ended")
			return st
		}
		st.Observe(pkt)
		if time.Since(last) >= statsInterval {
			last = time.Now()
			logger.Info().Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Uint64("lost", st.Lost).Msg("receiving")
		}
	}
}

// Drainer runs one DrainRemote per remote track. Remote stream events list
// every track of the link, so tracks already being read are skipped.
type Drainer struct {
	mu      sync.Mutex
	reading map[core.RemoteTrack]struct{}
	wg      sync.WaitGroup
}

// Drain starts readers for the tracks of rs not yet being read and returns
// how many it started.
func (d *Drainer) Drain(rs *core.RemoteStream) int {
	if rs == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reading == nil {
		d.reading = make(map[core.RemoteTrack]struct{})
	}
	started := 0
	for _, t := range rs.Tracks {
		if _, ok := d.reading[t]; ok {
			continue
		}
		d.reading[t] = struct{}{}
		started++
		d.wg.Add(1)
		go func(t core.RemoteTrack) {
			defer d.wg.Done()
			DrainRemote(rs.LinkID, t)
			d.mu.Lock()
			delete(d.reading, t)
			d.mu.Unlock()
		}(t)
	}
	return started
}

// Wait blocks until every started reader has returned.
func (d *Drainer) Wait() { d.wg.Wait() }
