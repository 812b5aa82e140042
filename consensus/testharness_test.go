package consensus

import (
	"fmt"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/dappledger/bcos-pbft/chainface"
	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/store"
	"github.com/dappledger/bcos-pbft/transport"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

// harnessValidator is one member of a test roster: its signing key and the
// roster entry derived from it.
type harnessValidator struct {
	key   *pbftcrypto.KeyPair
	entry validator.Entry
}

func buildValidators(t *testing.T, n int) ([]harnessValidator, *validator.Roster) {
	t.Helper()
	vs := make([]harnessValidator, n)
	entries := make([]validator.Entry, n)
	for i := 0; i < n; i++ {
		key := pbftcrypto.GenerateKeyPair()
		pub, err := key.PublicKeyBytes()
		if err != nil {
			t.Fatalf("marshal pubkey %d: %v", i, err)
		}
		entries[i] = validator.Entry{Index: validator.Index(i), PubKey: pub, Role: validator.RoleMiner}
		vs[i] = harnessValidator{key: key, entry: entries[i]}
	}
	roster, err := validator.NewRoster(0, entries)
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	return vs, roster
}

// buildHarness wires a single live Engine (for validator selfIdx) against a
// shared in-memory network and chain; the other roster members have keys
// but no running Engine, so tests can forge their votes directly.
func buildHarness(t *testing.T, vs []harnessValidator, roster *validator.Roster, selfIdx int, cfg Config) (*Engine, *chainface.MemoryChain, *transport.MemoryNetwork, []*transport.MemoryTransport) {
	t.Helper()
	chain := chainface.NewMemoryChain(roster)
	net := transport.NewMemoryNetwork()
	handles := make([]*transport.MemoryTransport, len(vs))
	for i, v := range vs {
		handles[i] = net.Register(fmt.Sprintf("v%d", i), v.entry.PubKey, v.entry.Role, v.entry.Index)
	}
	durable := store.NewMemoryStore()
	e, err := New(cfg, chain, handles[selfIdx], durable, vs[selfIdx].key, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, chain, net, handles
}

// signCommonAs signs a Common envelope as roster member idx, exactly the
// way Engine.signCommon does for the engine's own key.
func signCommonAs(t *testing.T, key *pbftcrypto.KeyPair, idx int, height, view uint64, hash pbftcrypto.Hash) wire.Common {
	t.Helper()
	c := wire.Common{
		Height:    height,
		View:      view,
		Idx:       uint16(idx),
		Timestamp: time.Now().UnixMilli(),
		BlockHash: hash.Bytes(),
	}
	sig, err := key.Sign(c.BlockHash)
	if err != nil {
		t.Fatalf("sign block hash: %v", err)
	}
	c.Sig = sig
	sig2Bytes, err := wire.SigningBytesFields(c)
	if err != nil {
		t.Fatalf("SigningBytesFields: %v", err)
	}
	sig2, err := key.Sign(sig2Bytes)
	if err != nil {
		t.Fatalf("sign sig2 fields: %v", err)
	}
	c.Sig2 = sig2
	return c
}

// buildPrepareFrom assembles and signs a PrepareReq as if proposed by
// roster member idx, extending chain's current head.
func buildPrepareFrom(t *testing.T, chain *chainface.MemoryChain, key *pbftcrypto.KeyPair, idx int, height, view uint64, txs [][]byte) wire.PrepareReq {
	t.Helper()
	head, err := chain.CurrentHeader()
	if err != nil {
		t.Fatalf("CurrentHeader: %v", err)
	}
	cand := chainface.CandidateBlock{ParentHash: head.HashNoSeal, Txs: txs, Timestamp: time.Now().UnixMilli()}
	blockBytes, err := chainface.EncodeCandidate(cand)
	if err != nil {
		t.Fatalf("EncodeCandidate: %v", err)
	}
	header, canonical, err := chain.ExecuteCandidate(blockBytes)
	if err != nil {
		t.Fatalf("ExecuteCandidate: %v", err)
	}
	hash, err := wire.ComputeHashNoSeal(header)
	if err != nil {
		t.Fatalf("ComputeHashNoSeal: %v", err)
	}
	common := signCommonAs(t, key, idx, height, view, hash)
	return wire.PrepareReq{Common: common, Block: canonical}
}

const drainTimeout = 2 * time.Second

func testConfig() Config {
	return Config{
		ViewTimeout:     150 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
		GCInterval:      2 * time.Second,
		OmitEmptyBlocks: false,
	}
}

// peerID returns the opaque transport id buildHarness registered roster
// member i under.
func peerID(i int) string {
	return fmt.Sprintf("v%d", i)
}

// highestHashForTest exposes Engine.highestHashLocked under lock, for
// tests that need the chain head's hash outside their own critical
// section.
func (e *Engine) highestHashForTest() pbftcrypto.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highestHashLocked()
}

func drainInbound(t *testing.T, h *transport.MemoryTransport, want wire.MsgID, timeout time.Duration) wire.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case in := <-h.Inbound():
			if in.MsgID != want {
				continue
			}
			msg, err := wire.Decode(in.Body)
			if err != nil {
				t.Fatalf("decode inbound: %v", err)
			}
			return msg
		case <-deadline:
			t.Fatalf("timed out waiting for message kind %v", want)
		}
	}
}
