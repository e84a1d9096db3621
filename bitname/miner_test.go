package bitname

import (
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mcdoku/bitshares-core/primitives"
)

type recordingDelegate struct {
	mu    sync.Mutex
	found []NameBlock
}

func (d *recordingDelegate) FoundNameBlock(b NameBlock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.found = append(d.found, b)
}

func (d *recordingDelegate) snapshot() []NameBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NameBlock, len(d.found))
	copy(out, d.found)
	return out
}

func easyHeader(t *testing.T, nameHash uint64) NameHeader {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return NameHeader{
		Prev:      primitives.ZeroHash,
		UTCSec:    1000,
		NameHash:  nameHash,
		MasterKey: priv.PubKey(),
		ActiveKey: priv.PubKey(),
		Nonce:     0,
	}
}

// TestMinerFindsBlockAtMinimalDifficulty drives the worker pool against
// the floor target (SetBlockTarget(0) collapses to MinNameDifficulty)
// so a collision is found quickly and delivered to the delegate.
func TestMinerFindsBlockAtMinimalDifficulty(t *testing.T) {
	del := &recordingDelegate{}
	m := New(2)
	defer m.Close()
	m.SetDelegate(del)
	m.SetBlockTarget(0)
	m.SetNameHeader(easyHeader(t, NameHash("alice")))
	m.Start(1.0)

	deadline := time.After(5 * time.Second)
	for {
		if len(del.snapshot()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the miner to find a qualifying nonce")
		case <-time.After(10 * time.Millisecond):
		}
	}
	m.Stop()

	found := del.snapshot()[0]
	if found.Difficulty() <= MinNameDifficulty() {
		t.Fatalf("expected the delivered block's difficulty to clear the floor target")
	}
}

// TestMinerCancellationDropsStaleWork covers spec.md §8 scenario 5: set
// header H0, start at effort 1.0, then within 50ms replace it with H1.
// The delegate must never be told H0 was found after H1 was set.
func TestMinerCancellationDropsStaleWork(t *testing.T) {
	del := &recordingDelegate{}
	m := New(2)
	defer m.Close()
	m.SetDelegate(del)
	m.SetBlockTarget(0)

	h0 := easyHeader(t, NameHash("alice"))
	m.SetNameHeader(h0)
	m.Start(1.0)

	time.Sleep(20 * time.Millisecond)

	h1 := easyHeader(t, NameHash("bob"))
	m.SetNameHeader(h1)

	time.Sleep(200 * time.Millisecond)
	m.Stop()

	for _, b := range del.snapshot() {
		if b.NameHash == h0.NameHash {
			t.Fatalf("delegate received a result for the cancelled header after replacement")
		}
	}
}

func TestMinerStopWaitsForWorkers(t *testing.T) {
	m := New(4)
	defer m.Close()
	m.SetBlockTarget(^uint64(0)) // unreachable target: workers run until stopped
	m.SetNameHeader(easyHeader(t, NameHash("carol")))
	m.Start(1.0)
	time.Sleep(10 * time.Millisecond)
	m.Stop()
	if m.State() != Idle {
		t.Fatalf("expected Idle after Stop, got %v", m.State())
	}
}
