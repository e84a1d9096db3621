package bitname

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcdoku/bitshares-core/log"
)

// Delegate receives the single-producer/single-consumer "found block"
// handoff from the miner's callback goroutine (spec.md §5). Implementations
// must not block for long: they run on the miner's one dedicated
// callback goroutine, and a slow delegate stalls every future discovery.
type Delegate interface {
	FoundNameBlock(b NameBlock)
}

// State is the name miner's lifecycle state (spec.md §4.6).
type State int32

const (
	Idle State = iota
	Starting
	Mining
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Mining:
		return "mining"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Miner is the multi-threaded PoW worker pool that mines NameBlocks:
// threads OS goroutines race to find a nonce whose header difficulty
// clears the current per-transaction target, coordinated only through a
// monotonic version counter and a bounded handoff to a callback
// goroutine (spec.md §4.6, §5, §9), the Go shape of
// bitname_miner.cpp's name_miner_impl.
type Miner struct {
	threads int

	version atomic.Uint64
	state   atomic.Int32

	mu          sync.Mutex
	delegate    Delegate
	curBlock    NameBlock
	blockTarget uint64
	trxTarget   uint64
	effort      float64
	wg          sync.WaitGroup

	found chan NameBlock
	done  chan struct{}
}

// New creates a Miner with the given worker-thread count (spec.md §4.6:
// "N threads (fixed at configuration)"). Its per-transaction target
// starts at MinNameDifficulty, the same floor set_block_target falls
// back to when block_target/10000 is too small.
func New(threads int) *Miner {
	if threads <= 0 {
		threads = 1
	}
	m := &Miner{
		threads:   threads,
		trxTarget: MinNameDifficulty(),
		found:     make(chan NameBlock, 1),
		done:      make(chan struct{}),
	}
	go m.callbackLoop()
	return m
}

// SetDelegate installs the callback target for found blocks.
func (m *Miner) SetDelegate(d Delegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
}

// State returns the miner's current lifecycle state.
func (m *Miner) State() State { return State(m.state.Load()) }

// callbackLoop is the single dedicated callback goroutine: it owns
// delivering found blocks to the delegate so a slow or reentrant
// delegate never blocks a mining worker.
func (m *Miner) callbackLoop() {
	for {
		select {
		case b := <-m.found:
			m.mu.Lock()
			d := m.delegate
			m.mu.Unlock()
			if d != nil {
				d.FoundNameBlock(b)
			}
		case <-m.done:
			return
		}
	}
}

// SetBlockTarget sets the block's overall difficulty target and derives
// the per-transaction target as max(MinNameDifficulty, target/10000),
// matching name_miner::set_block_target's bandwidth-motivated divisor.
func (m *Miner) SetBlockTarget(target uint64) {
	m.mu.Lock()
	m.blockTarget = target
	trxTarget := target / 10000
	if floor := MinNameDifficulty(); trxTarget < floor {
		trxTarget = floor
	}
	m.trxTarget = trxTarget
	m.mu.Unlock()
	m.restart()
}

// SetNameHeader replaces the block under construction with a fresh one
// built around h, cancelling any in-flight search the way
// name_miner::set_name_header does.
func (m *Miner) SetNameHeader(h NameHeader) {
	m.mu.Lock()
	m.curBlock = NewNameBlock(h)
	m.mu.Unlock()
	m.restart()
}

// AddNameTrx bundles a registrant's header into the block under
// construction: h must share the block's current prev
// (name_miner::add_name_trx's FC_ASSERT), and a higher-difficulty
// resubmission of an already-bundled name_hash replaces it rather than
// duplicating it.
func (m *Miner) AddNameTrx(h NameHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curBlock.NameHash == 0 {
		return nil // not currently mining a real block; ignore, per the teacher
	}
	if h.Prev != m.curBlock.Prev {
		return ErrPrevMismatch
	}
	if h.NameHash == m.curBlock.NameHash {
		return nil
	}
	t := NameTrx{UTCSec: h.UTCSec, NameHash: h.NameHash, MasterKey: h.MasterKey, ActiveKey: h.ActiveKey, Nonce: h.Nonce}
	for i, existing := range m.curBlock.NameTrxs {
		if existing.NameHash == h.NameHash {
			if t.Difficulty(m.curBlock.Prev) > existing.Difficulty(m.curBlock.Prev) {
				m.curBlock.NameTrxs[i] = t
			}
			return nil
		}
	}
	m.curBlock.NameTrxs = append(m.curBlock.NameTrxs, t)
	return nil
}

// Start transitions the miner to Mining at the given effort in [0,1]
// and (re)launches the worker pool against the current block. Calling
// Start with effort 0 is equivalent to Stop.
func (m *Miner) Start(effort float64) {
	if effort <= 0 {
		m.Stop()
		return
	}
	m.mu.Lock()
	m.effort = effort
	m.mu.Unlock()
	m.state.Store(int32(Starting))
	m.restart()
}

// Stop cancels any in-flight search and blocks until every worker has
// observed the version bump and exited, then returns the miner to Idle.
func (m *Miner) Stop() {
	m.state.Store(int32(Stopping))
	m.version.Add(1)
	m.wg.Wait()
	m.mu.Lock()
	m.effort = 0
	m.mu.Unlock()
	m.state.Store(int32(Idle))
}

// Close permanently shuts down the miner's callback goroutine. The
// miner must not be used after Close.
func (m *Miner) Close() {
	m.Stop()
	close(m.done)
}

// restart bumps the version, waits for any in-flight workers to observe
// it and exit, then relaunches threads fresh workers against a snapshot
// of the current block — start_new_block's "wait for completion, then
// relaunch" shape.
func (m *Miner) restart() {
	m.mu.Lock()
	effort := m.effort
	block := m.curBlock
	block.TrxsHash = block.CalcTrxsHash()
	trxTarget := m.trxTarget
	m.mu.Unlock()

	if effort <= 0 {
		return
	}

	next := m.version.Add(1)
	m.wg.Wait()

	if block.NameHash == 0 {
		return
	}

	m.state.Store(int32(Mining))
	for i := 0; i < m.threads; i++ {
		m.wg.Add(1)
		go m.mine(block, i, next, trxTarget, effort)
	}
}

// maxNonce16 is the per-sweep nonce ceiling: 2^16 minus the thread
// count, so no two threads' strides overlap within one sweep.
func (m *Miner) maxNonce16() uint32 {
	return uint32(1<<16) - uint32(m.threads)
}

// mine is a single worker thread's nonce search: it strides nonces
// thread, thread+N, thread+2N, ... up to maxNonce16, recomputing the
// header id for each and comparing its difficulty against trxTarget,
// and exits the instant it observes a newer version (spec.md §4.6,
// §9's cooperative-cancellation design note).
func (m *Miner) mine(b NameBlock, thread int, myVersion uint64, trxTarget uint64, effort float64) {
	defer m.wg.Done()

	sleep := time.Duration(5*time.Millisecond) + time.Duration((1-effort)*float64(time.Second))
	h := b.NameHeader
	maxNonce := m.maxNonce16()

	for m.version.Load() <= myVersion {
		for nonce := uint32(thread); nonce < maxNonce; nonce += uint32(m.threads) {
			if m.version.Load() > myVersion {
				return
			}
			h.Nonce = uint16(nonce)
			if h.Difficulty() > trxTarget {
				if m.version.CompareAndSwap(myVersion, myVersion+1) {
					won := b
					won.NameHeader = h
					select {
					case m.found <- won:
					default:
						log.Bitname.Warn().Msg("found-block handoff slot full, dropping stale result")
					}
				}
				return
			}
		}
		h.UTCSec++
		time.Sleep(sleep)
	}
}
