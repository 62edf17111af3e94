package engine

import "sync"

// scheduler tracks which pieces remain to be fetched and hands them
// out to workers paired with a free peer that advertises them,
// round-robin by peer index by default, or rarest-first when enabled
// — adapted from the teacher's torrent/piecequeue.go availability-
// bucket scheduler, generalized to a single-file Info.
type scheduler struct {
	mu          sync.Mutex
	pending     []int // piece indices neither completed nor in flight
	retries     map[int]int
	rarestFirst bool
	cursor      int
	total       int
}

func newScheduler(pieceCount int, onlyIndex *int, rarestFirst bool) *scheduler {
	s := &scheduler{retries: make(map[int]int), rarestFirst: rarestFirst}
	if onlyIndex != nil {
		s.pending = []int{*onlyIndex}
		s.total = 1
		return s
	}
	s.pending = make([]int, pieceCount)
	for i := range s.pending {
		s.pending[i] = i
	}
	s.total = pieceCount
	return s
}

// acquire removes one pending piece index from the queue and pairs it
// with a free peer that advertises it, locking that peer for
// exclusive use. The caller must unlock rp.mu when done. Returns
// ok=false if no (piece, free peer) pair is currently available.
func (s *scheduler) acquire(peers []*PeerHandle) (int, *PeerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.candidateOrder(peers)
	for _, pos := range order {
		idx := s.pending[pos]
		rp := s.selectPeer(peers, idx)
		if rp == nil {
			continue
		}
		s.pending = append(s.pending[:pos], s.pending[pos+1:]...)
		return idx, rp, true
	}
	return 0, nil, false
}

// candidateOrder returns indexes into s.pending to try, in priority
// order: piece-queue order by default, or rarest-first (fewest
// advertising peers first) when enabled.
func (s *scheduler) candidateOrder(peers []*PeerHandle) []int {
	order := make([]int, len(s.pending))
	for i := range order {
		order[i] = i
	}
	if !s.rarestFirst {
		return order
	}
	availability := make([]int, len(s.pending))
	for i, idx := range s.pending {
		count := 0
		for _, rp := range peers {
			if rp.dead.Load() {
				continue
			}
			if rp.sess.HasPiece(idx) {
				count++
			}
		}
		availability[i] = count
	}
	// simple insertion sort: pending lists are small (low hundreds of
	// pieces for the single-file torrents this client targets)
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && availability[order[j]] < availability[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

// selectPeer finds a peer advertising idx, starting from a rotating
// cursor so load spreads round-robin across peers (spec.md §4.8).
func (s *scheduler) selectPeer(peers []*PeerHandle, idx int) *PeerHandle {
	n := len(peers)
	if n == 0 {
		return nil
	}
	start := s.cursor % n
	s.cursor++
	for i := 0; i < n; i++ {
		rp := peers[(start+i)%n]
		if rp.dead.Load() {
			continue
		}
		if !rp.sess.HasPiece(idx) {
			continue
		}
		if rp.mu.TryLock() {
			return rp
		}
	}
	return nil
}

// release returns idx to the pending queue without counting it as a
// retry attempt (used when a local bookkeeping error, not a peer
// failure, prevents a dispatch from proceeding).
func (s *scheduler) release(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, idx)
}

// fail records a failed attempt at idx and requeues it unless it has
// exhausted Retries, in which case it reports fatal=true and the
// piece is dropped from the pending queue for good.
func (s *scheduler) fail(idx int, maxRetries int) (fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[idx]++
	if s.retries[idx] > maxRetries {
		return true
	}
	s.pending = append(s.pending, idx)
	return false
}

// complete marks idx as done; it is simply never requeued.
func (s *scheduler) complete(idx int) {}

// dropPeer removes rp from the live peer set after a local failure,
// per spec.md §7's "the peer is dropped from the active pool" policy.
// The peers slice itself is owned by the caller across workers, so we
// can't shrink it in place without racing other workers' iteration;
// instead we mark it dead with an atomic flag that candidateOrder and
// selectPeer check before ever touching rp.sess.HasPiece. This avoids
// mutating rp.sess.Bitfield, which other workers read concurrently
// under s.mu — a plain unsynchronized write there would race.
func (s *scheduler) dropPeer(peers []*PeerHandle, dead *PeerHandle) {
	dead.dead.Store(true)
}

func (s *scheduler) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}

func (s *scheduler) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// noLivePeerForPending reports whether every pending piece is
// unreachable: no live peer advertises it, regardless of whether that
// peer is currently locked by another worker. Used as a termination
// guard — without it, a worker pool can spin forever once the last
// peer advertising some piece has been dropped, since acquire will
// keep returning ok=false while the pending queue never empties.
func (s *scheduler) noLivePeerForPending(peers []*PeerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range s.pending {
		for _, rp := range peers {
			if rp.dead.Load() {
				continue
			}
			if rp.sess.HasPiece(idx) {
				return false
			}
		}
	}
	return true
}
