package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/zmb3/pdm/api/types"
)

// rrdRequest is sent from a collection fetch to the RRD consumer goroutine.
// It carries the new points for one remote and a channel to report back the
// new high-water-mark timestamp, mirroring the oneshot-reply pattern in the
// source's collection task.
type rrdRequest struct {
	remote string
	points []types.RrdDataPoint
	reply  chan int64
}

// RRDStore is an in-process time-series store: an in-memory ring per
// remote plus an append-only JSON-lines file under the state directory.
// This reimplementation does not vendor a full external RRD engine (see
// DESIGN.md); the single consumer goroutine this type is driven by is what
// gives the "writes to the RRD store are totally ordered per remote"
// guarantee, since there is exactly one writer.
type RRDStore struct {
	dir string

	mu   sync.RWMutex
	ring map[string][]types.RrdDataPoint

	requests chan rrdRequest
}

// ringLimit bounds the in-memory ring kept per remote; older points are
// still available in the append-only file.
const ringLimit = 4096

// NewRRDStore returns a store that appends per-remote files under dir.
func NewRRDStore(dir string) *RRDStore {
	return &RRDStore{
		dir:      dir,
		ring:     make(map[string][]types.RrdDataPoint),
		requests: make(chan rrdRequest, 64),
	}
}

// Run is the single RRD consumer goroutine: it drains requests until ctx's
// Done channel fires (passed in by the caller via stopped), appending each
// batch to the in-memory ring and the on-disk file before replying with the
// new cursor.
func (s *RRDStore) Run(stopped <-chan struct{}) {
	for {
		select {
		case <-stopped:
			return
		case req := <-s.requests:
			newest := s.append(req.remote, req.points)
			req.reply <- newest
		}
	}
}

// Submit hands a batch of points for remote to the consumer and blocks for
// its reply: the new most-recent-datapoint timestamp (unchanged if points
// is empty).
func (s *RRDStore) Submit(remote string, points []types.RrdDataPoint) int64 {
	reply := make(chan int64, 1)
	s.requests <- rrdRequest{remote: remote, points: points, reply: reply}
	return <-reply
}

func (s *RRDStore) append(remote string, points []types.RrdDataPoint) int64 {
	s.mu.Lock()
	ring := s.ring[remote]
	ring = append(ring, points...)
	if len(ring) > ringLimit {
		ring = ring[len(ring)-ringLimit:]
	}
	s.ring[remote] = ring
	newest := int64(0)
	if len(ring) > 0 {
		newest = ring[len(ring)-1].Timestamp
	}
	s.mu.Unlock()

	if len(points) > 0 {
		if err := s.appendFile(remote, points); err != nil {
			// Persistence failures are logged here; they must never block
			// the cursor from advancing in memory.
			log.WithError(err).WithField("remote", remote).Warn("failed to append metric points to disk")
		}
	}
	return newest
}

func (s *RRDStore) appendFile(remote string, points []types.RrdDataPoint) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, remote+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range points {
		if err := enc.Encode(p); err != nil {
			return trace.Wrap(err)
		}
	}
	return w.Flush()
}

// Recent returns the most recent points held in memory for a remote (not
// the full on-disk history).
func (s *RRDStore) Recent(remote string) []types.RrdDataPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RrdDataPoint, len(s.ring[remote]))
	copy(out, s.ring[remote])
	return out
}
