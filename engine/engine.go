// Package engine implements the concurrent piece-download engine:
// bounded-concurrency peer bootstrap, piece scheduling across peers,
// block pipelining inside each session, hash verification, and
// ordered assembly of the final byte stream.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hallvar-eide/goleech/metainfo"
	"github.com/hallvar-eide/goleech/peer"
	"github.com/hallvar-eide/goleech/tracker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Default tunables, per spec.md §4.8 and §5.
const (
	DefaultWorkers       = 5
	DefaultRetries       = 3
	DefaultPipelineDepth = 5
	DefaultBootstrapCap  = 10
)

// Options configures an Engine. Zero values are replaced with the
// spec-mandated defaults by New.
type Options struct {
	Workers       int
	Retries       int
	PipelineDepth int
	BootstrapCap  int64

	// RarestFirst switches piece dispatch from the spec-mandated
	// default (prefer any peer that has it, round-robin by peer index)
	// to an availability-aware rarest-first ordering, per the
	// supplemented feature in SPEC_FULL.md.
	RarestFirst bool

	// OnProgress is called after each piece is accepted, with the
	// count of verified pieces and the total piece count.
	OnProgress func(done, total int)

	Log logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.PipelineDepth <= 0 {
		o.PipelineDepth = DefaultPipelineDepth
	}
	if o.BootstrapCap <= 0 {
		o.BootstrapCap = DefaultBootstrapCap
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// PieceUnrecoverableError reports that a piece failed verification (or
// every candidate peer) more than Options.Retries times.
type PieceUnrecoverableError struct {
	Index int
}

func (e *PieceUnrecoverableError) Error() string {
	return fmt.Sprintf("piece %d unrecoverable after exhausting retries", e.Index)
}

// NoPeersError reports that bootstrap produced zero usable sessions,
// per spec.md §7's "tracker failures are fatal only when the peer
// list is empty" policy extended to the post-bootstrap pool.
type NoPeersError struct{}

func (NoPeersError) Error() string { return "no peers available after bootstrap" }

// PiecesUnreachableError reports that pieces remain pending but no live
// peer advertises any of them — the swarm has been exhausted, not just
// a single piece. Distinguished from PieceUnrecoverableError, which
// names one piece that ran out of retries while other peers were still
// in play.
type PiecesUnreachableError struct {
	Remaining int
}

func (e *PiecesUnreachableError) Error() string {
	return fmt.Sprintf("%d piece(s) remain but no live peer advertises any of them", e.Remaining)
}

// Engine downloads the pieces of a single Info from a peer set.
type Engine struct {
	info      *metainfo.Info
	infoHash  [20]byte
	ourPeerID [20]byte
	opts      Options
}

// New constructs an Engine for info, identified by infoHash (the same
// hash advertised to the tracker and checked in every peer handshake).
func New(info *metainfo.Info, infoHash [20]byte, ourPeerID [20]byte, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{info: info, infoHash: infoHash, ourPeerID: ourPeerID, opts: opts}
}

type PeerHandle struct {
	sess *peer.Session
	mu   sync.Mutex

	// dead marks a peer dropped after an I/O failure as permanently
	// ineligible for future dispatch. Set with an atomic store so
	// dropPeer never needs to touch sess.Bitfield, which is read
	// concurrently (under scheduler.mu) by other workers' acquire calls
	// (spec.md §5: no unsynchronized access over shared mutable state).
	dead atomic.Bool
}

// Bootstrap dials every candidate endpoint concurrently, capped at
// Options.BootstrapCap simultaneous attempts (spec.md §4.8). Peers
// that fail to connect or handshake are simply dropped; bootstrap
// only fails outright if nothing succeeds.
func (e *Engine) Bootstrap(ctx context.Context, endpoints []tracker.PeerEndpoint) ([]*PeerHandle, error) {
	sem := semaphore.NewWeighted(e.opts.BootstrapCap)
	var mu sync.Mutex
	var peers []*PeerHandle

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		ep := ep
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			sess, err := peer.Dial(ep.String(), e.infoHash, e.ourPeerID, int(e.info.PieceCount()), e.opts.Log)
			if err != nil {
				e.opts.Log.WithField("component", "engine").WithField("peer", ep.String()).
					Debugf("bootstrap failed: %v", err)
				return nil
			}
			if err := sess.SendInterested(); err != nil {
				sess.Close()
				return nil
			}
			mu.Lock()
			peers = append(peers, &PeerHandle{sess: sess})
			mu.Unlock()
			return nil
		})
	}
	// Per-peer dial/handshake failures are swallowed above and every
	// goroutine returns nil, so Wait reports no error here; a cancelled
	// ctx only stops further dials from being started.
	if err := g.Wait(); err != nil {
		return peers, err
	}
	if len(peers) == 0 {
		return nil, NoPeersError{}
	}
	return peers, nil
}

// Download fetches every piece of Info and returns the verified
// pieces keyed by piece index; Assemble joins them in index order.
// Nothing is written to any sink until the entire transfer is
// verified: callers that persist to disk should do so only after
// Download returns successfully (spec.md invariant 8).
func (e *Engine) Download(ctx context.Context, peers []*PeerHandle) (map[int][]byte, error) {
	return e.download(ctx, peers, nil)
}

// DownloadPiece fetches a single piece by index, for the CLI's
// download_piece / magnet_download_piece commands.
func (e *Engine) DownloadPiece(ctx context.Context, peers []*PeerHandle, index int) ([]byte, error) {
	results, err := e.download(ctx, peers, &index)
	if err != nil {
		return nil, err
	}
	return results[index], nil
}

func (e *Engine) download(ctx context.Context, peers []*PeerHandle, onlyIndex *int) (map[int][]byte, error) {
	if len(peers) == 0 {
		return nil, NoPeersError{}
	}

	pieceCount := int(e.info.PieceCount())
	sched := newScheduler(pieceCount, onlyIndex, e.opts.RarestFirst)

	results := make(map[int][]byte)
	var resultsMu sync.Mutex
	doneCount := 0

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, e.opts.Workers)

	for w := 0; w < e.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				idx, rp, ok := sched.acquire(peers)
				if !ok {
					if sched.empty() {
						return
					}
					// Every pending piece may simply be in flight with a
					// peer that currently holds its lock, which is fine —
					// but if no live peer advertises any pending piece at
					// all (ignoring lock state), spinning here would
					// never terminate: nothing will ever free up a peer
					// that has what we need. Abort instead of hanging.
					if sched.noLivePeerForPending(peers) {
						select {
						case errCh <- &PiecesUnreachableError{Remaining: sched.remaining()}:
						default:
						}
						cancel()
						return
					}
					time.Sleep(20 * time.Millisecond)
					continue
				}

				length, err := e.info.PieceLen(int64(idx))
				if err != nil {
					sched.release(idx)
					rp.mu.Unlock()
					continue
				}
				hash, err := e.info.PieceHash(int64(idx))
				if err != nil {
					sched.release(idx)
					rp.mu.Unlock()
					continue
				}

				data, err := rp.sess.DownloadPiece(peer.PieceSpec{
					Index:  idx,
					Hash:   hash,
					Length: int(length),
				}, e.opts.PipelineDepth)
				rp.mu.Unlock()

				if err != nil {
					e.opts.Log.WithField("component", "engine").
						WithField("piece", idx).Warnf("piece failed, rescheduling: %v", err)
					rp.sess.Close()
					sched.dropPeer(peers, rp)
					if fatal := sched.fail(idx, e.opts.Retries); fatal {
						select {
						case errCh <- &PieceUnrecoverableError{Index: idx}:
						default:
						}
						cancel()
						return
					}
					continue
				}

				rp.sess.SendHave(idx)
				sched.complete(idx)

				resultsMu.Lock()
				results[idx] = data
				doneCount++
				n := doneCount
				resultsMu.Unlock()

				if e.opts.OnProgress != nil {
					e.opts.OnProgress(n, sched.total)
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return nil, err
	}
	if sched.remaining() > 0 {
		return nil, NoPeersError{}
	}
	return results, nil
}

// Assemble concatenates per-piece results in ascending index order into
// the final byte stream, per spec.md §4.8's ordering guarantee. It
// requires exactly pieceCount results, since a caller assembling a
// partial result set (one of the fatal-error paths in download) would
// otherwise silently produce a short, incomplete file.
func Assemble(results map[int][]byte, pieceCount int) ([]byte, error) {
	if len(results) != pieceCount {
		return nil, fmt.Errorf("assemble: have %d of %d pieces", len(results), pieceCount)
	}
	indices := make([]int, 0, len(results))
	for idx := range results {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	var out []byte
	for _, idx := range indices {
		out = append(out, results[idx]...)
	}
	return out, nil
}
