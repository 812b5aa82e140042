package verifier

import (
	"testing"

	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

type testCluster struct {
	keys   []*pbftcrypto.KeyPair
	roster *validator.Roster
}

func newTestCluster(t *testing.T, n int) testCluster {
	t.Helper()
	keys := make([]*pbftcrypto.KeyPair, n)
	entries := make([]validator.Entry, n)
	for i := 0; i < n; i++ {
		keys[i] = pbftcrypto.GenerateKeyPair()
		pub, err := keys[i].PublicKeyBytes()
		if err != nil {
			t.Fatalf("marshal pubkey %d: %v", i, err)
		}
		entries[i] = validator.Entry{Index: validator.Index(i), PubKey: pub, Role: validator.RoleMiner}
	}
	roster, err := validator.NewRoster(0, entries)
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	return testCluster{keys: keys, roster: roster}
}

func (c testCluster) header(t *testing.T) *wire.BlockHeader {
	t.Helper()
	nodeList := make([][]byte, len(c.roster.Miners()))
	for i, m := range c.roster.Miners() {
		nodeList[i] = m.PubKey
	}
	h := &wire.BlockHeader{Number: 1, NodeList: nodeList, TxCount: 0}
	hash, err := wire.ComputeHashNoSeal(h)
	if err != nil {
		t.Fatalf("ComputeHashNoSeal: %v", err)
	}
	h.HashNoSeal = hash.Bytes()
	return h
}

func (c testCluster) signQuorum(t *testing.T, h *wire.BlockHeader, q int) []wire.SealSignature {
	t.Helper()
	sigs := make([]wire.SealSignature, 0, q)
	for i := 0; i < q; i++ {
		sig, err := c.keys[i].Sign(h.HashNoSeal)
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		sigs = append(sigs, wire.SealSignature{Idx: uint16(i), Sig: sig})
	}
	return sigs
}

func TestVerifySealedAcceptsQuorum(t *testing.T) {
	c := newTestCluster(t, 4)
	h := c.header(t)
	sigs := c.signQuorum(t, h, c.roster.Q())
	if err := VerifySealed(c.roster, h, sigs); err != nil {
		t.Fatalf("expected quorum signatures to verify, got: %v", err)
	}
}

func TestVerifySealedRejectsBelowQuorum(t *testing.T) {
	c := newTestCluster(t, 4)
	h := c.header(t)
	sigs := c.signQuorum(t, h, c.roster.Q()-1)
	if err := VerifySealed(c.roster, h, sigs); err == nil {
		t.Fatal("expected below-quorum signature set to be rejected")
	}
}

func TestVerifySealedRejectsDuplicateSigner(t *testing.T) {
	c := newTestCluster(t, 4)
	h := c.header(t)
	sigs := c.signQuorum(t, h, c.roster.Q())
	sigs = append(sigs, sigs[0]) // duplicate idx 0
	if err := VerifySealed(c.roster, h, sigs); err == nil {
		t.Fatal("expected duplicate signer index to be rejected")
	}
}

func TestVerifySealedRejectsInvalidSignature(t *testing.T) {
	c := newTestCluster(t, 4)
	h := c.header(t)
	sigs := c.signQuorum(t, h, c.roster.Q())
	sigs[0].Sig = []byte("not a valid signature at all")
	if err := VerifySealed(c.roster, h, sigs); err == nil {
		t.Fatal("expected forged signature to be rejected")
	}
}

func TestVerifySealedRejectsNodeListMismatch(t *testing.T) {
	c := newTestCluster(t, 4)
	h := c.header(t)
	h.NodeList = h.NodeList[:len(h.NodeList)-1] // drop one miner from the header's claimed list
	hash, _ := wire.ComputeHashNoSeal(h)
	h.HashNoSeal = hash.Bytes()
	sigs := c.signQuorum(t, h, c.roster.Q())
	if err := VerifySealed(c.roster, h, sigs); err == nil {
		t.Fatal("expected node_list/roster length mismatch to be rejected")
	}
}

func TestVerifySealedRejectsOutOfRangeSignerIndex(t *testing.T) {
	c := newTestCluster(t, 4)
	h := c.header(t)
	sigs := c.signQuorum(t, h, c.roster.Q())
	sigs[0].Idx = 99
	if err := VerifySealed(c.roster, h, sigs); err == nil {
		t.Fatal("expected out-of-range signer index to be rejected")
	}
}
