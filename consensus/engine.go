// Package consensus implements the PBFT state machine: view/height
// bookkeeping, the Prepare/Sign/Commit/ViewChange caches, leader election,
// the two-phase quorum logic, and the view-change timer (spec.md §2 item
// 8, §4.2). It is the heart of the repository.
package consensus

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/dappledger/bcos-pbft/chainface"
	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/queue"
	"github.com/dappledger/bcos-pbft/store"
	"github.com/dappledger/bcos-pbft/transport"
	"github.com/dappledger/bcos-pbft/validator"
	"github.com/dappledger/bcos-pbft/wire"
)

const (
	// DefaultTickInterval is the worker's poll period (spec.md §5).
	DefaultTickInterval = 5 * time.Millisecond
	// DefaultGCInterval is how often stale cache entries are pruned.
	DefaultGCInterval = 2 * time.Second
	// kMaxChangeCycle caps the view-timeout back-off exponent.
	kMaxChangeCycle = 8
	// maxPendingTxs bounds the in-process proposal buffer; a real tx pool
	// is out of scope (spec.md §1) but something has to hand the leader
	// bytes to propose.
	maxPendingTxs = 4096
)

// Config tunes one Engine instance.
type Config struct {
	ViewTimeout     time.Duration
	OmitEmptyBlocks bool
	TickInterval    time.Duration
	GCInterval      time.Duration
	QueueCapacity   int
}

func (c Config) withDefaults() Config {
	if c.ViewTimeout <= 0 {
		c.ViewTimeout = 2 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	return c
}

// Engine is the PBFT consensus state machine. One coarse mutex guards
// every field below (spec.md §5: "fine-grained locking is explicitly
// rejected because ordering bugs here are safety violations").
type Engine struct {
	mu sync.Mutex

	cfg        Config
	logger     hclog.Logger
	chain      chainface.ChainFace
	trans      transport.Transport
	durable    store.Store
	keys       *pbftcrypto.KeyPair
	selfPubKey []byte

	roster          *validator.Roster
	rosterRawHeight uint64
	selfIndex       validator.Index
	cfgErr          bool

	view                 uint64
	toView               uint64
	highest              *wire.BlockHeader
	consensusBlockNumber uint64
	changeCycle          int
	leaderFailed         bool
	lastConsensusTime    time.Time
	lastSignTime         time.Time

	rawPrepareCache       *wire.PrepareReq
	prepareCache          *wire.PrepareReq
	committedPrepareCache *wire.PrepareReq
	futurePrepareCache    *wire.PrepareReq

	signCache      map[pbftcrypto.Hash]map[validator.Index]wire.SignReq
	commitCache    map[pbftcrypto.Hash]map[validator.Index]wire.CommitReq
	recvViewChange map[uint64]map[validator.Index]wire.ViewChangeReq

	signQuorumHandled bool // true once check_and_commit has fired for prepare_cache's hash, this view
	commitSent        bool // true once check_and_save has assembled a seal for prepare_cache's hash, this view

	pendingTxs [][]byte

	q *queue.Queue

	// OnSealGenerated fires when a sealed block is assembled, whether by
	// this engine's own proposal or a peer's.
	OnSealGenerated func(sealedBlockBytes []byte, generatedBySelf bool)
	// OnViewChange fires when a view change completes and view adopts
	// to_view; it does not fire when to_view alone advances.
	OnViewChange func()

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs an Engine rooted at chain's current head. It loads any
// previously-committed Prepare from durable storage (spec.md §4.5) but
// does not start the worker; call Start for that.
func New(cfg Config, chain chainface.ChainFace, trans transport.Transport, durable store.Store, keys *pbftcrypto.KeyPair, logger hclog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	pub, err := keys.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("consensus: marshal self public key: %w", err)
	}
	header, err := chain.CurrentHeader()
	if err != nil {
		return nil, fmt.Errorf("consensus: read current header: %w", err)
	}

	e := &Engine{
		cfg:                  cfg,
		logger:               logger,
		chain:                chain,
		trans:                trans,
		durable:              durable,
		keys:                 keys,
		selfPubKey:           pub,
		highest:              header,
		consensusBlockNumber: header.Number + 1,
		signCache:            make(map[pbftcrypto.Hash]map[validator.Index]wire.SignReq),
		commitCache:          make(map[pbftcrypto.Hash]map[validator.Index]wire.CommitReq),
		recvViewChange:       make(map[uint64]map[validator.Index]wire.ViewChangeReq),
		q:                    queue.New(cfg.QueueCapacity),
		stopCh:               make(chan struct{}),
	}
	e.refreshRosterLocked()

	if data, found, err := durable.Get(wire.CommittedKey); err != nil {
		logger.Warn("durable store read failed at startup", "error", err)
	} else if found {
		pr, err := wire.DecodeCommitted(data)
		if err != nil {
			logger.Warn("committed prepare decode failed, ignoring", "error", err)
		} else {
			e.committedPrepareCache = &pr
		}
	}
	return e, nil
}

// Start launches the transport reader and the consensus worker.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("consensus: engine already started")
	}
	e.started = true
	e.lastConsensusTime = time.Now()
	e.lastSignTime = time.Now()
	e.mu.Unlock()

	e.wg.Add(2)
	go e.readLoop()
	go e.workerLoop()
	return nil
}

// Stop signals the worker and reader to exit and waits for them.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// SubmitTx buffers a transaction for inclusion the next time this node
// proposes. Best-effort: the buffer is bounded and silently drops once
// full (spec.md §5 "resource caps").
func (e *Engine) SubmitTx(tx []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingTxs) >= maxPendingTxs {
		return
	}
	e.pendingTxs = append(e.pendingTxs, append([]byte(nil), tx...))
}

// IsLeader reports whether this node is the leader for the current
// (consensus_block_number, view).
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfgErr || e.roster == nil {
		return false
	}
	idx, ok := e.leaderIndex(e.consensusBlockNumber, e.view)
	return ok && idx == e.selfIndex
}

// ViewHeight returns the current view and the height the engine is
// attempting to consense on.
func (e *Engine) ViewHeight() (view, height uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view, e.consensusBlockNumber
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case in, ok := <-e.trans.Inbound():
			if !ok {
				return
			}
			item := queue.Item{SenderIndex: in.SenderIndex, SenderID: in.SenderID, MsgID: in.MsgID, Body: in.Body}
			if !e.q.TryPush(item) {
				e.logger.Warn("consensus queue full, dropping inbound message", "kind", in.MsgID, "sender", in.SenderID)
			}
		}
	}
}

func (e *Engine) workerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	lastGC := time.Now()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		select {
		case <-e.stopCh:
			return
		case item, ok := <-e.q.C():
			if !ok {
				return
			}
			e.dispatch(item)
		case <-ticker.C:
		}

		e.tick()
		if time.Since(lastGC) >= e.cfg.GCInterval {
			e.collectGarbage()
			lastGC = time.Now()
		}
	}
}

// tick is the worker's per-iteration body: replay any parked future
// Prepare, check the current leader is reachable, check the view-change
// timer, and (if leader) attempt to propose.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replayFuturePrepareLocked()
	e.checkLeaderConnectivityLocked()
	e.checkTimeoutLocked()
	e.tryProposeLocked()
}

func (e *Engine) dispatch(item queue.Item) {
	msg, err := wire.Decode(item.Body)
	if err != nil {
		e.logger.Warn("failed to decode inbound message", "error", err, "sender", item.SenderID)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch m := msg.(type) {
	case wire.PrepareReq:
		e.handlePrepareLocked(m, false)
	case wire.SignReq:
		e.handleSignLocked(m)
	case wire.CommitReq:
		e.handleCommitLocked(m)
	case wire.ViewChangeReq:
		e.handleViewChangeLocked(m, item.SenderID)
	default:
		e.logger.Warn("unknown message kind", "kind", item.MsgID)
	}
}

func (e *Engine) collectGarbage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for hash, byIdx := range e.signCache {
		for _, r := range byIdx {
			if r.Height < e.consensusBlockNumber {
				delete(e.signCache, hash)
			}
			break
		}
	}
	for hash, byIdx := range e.commitCache {
		for _, r := range byIdx {
			if r.Height < e.consensusBlockNumber {
				delete(e.commitCache, hash)
			}
			break
		}
	}
	e.gcViewChangesLocked()
}

// --- shared small helpers ---

func (e *Engine) drainPendingTxsLocked() [][]byte {
	txs := e.pendingTxs
	e.pendingTxs = nil
	return txs
}

func (e *Engine) leaderIndex(height, view uint64) (validator.Index, bool) {
	if e.roster == nil || e.roster.N() == 0 {
		return 0, false
	}
	return validator.Index((view + height) % uint64(e.roster.N())), true
}

// rosterForRound returns "the roster for height h" (spec.md §4.1): the
// oracle's raw answer at h-1, returned as is. Observers stay in it; no
// Miner subset is taken.
func (e *Engine) rosterForRound(height uint64) (*validator.Roster, error) {
	if height == 0 {
		return nil, fmt.Errorf("consensus: height 0 has no governing roster")
	}
	rawHeight := height - 1
	if e.roster != nil && e.rosterRawHeight == rawHeight {
		return e.roster, nil
	}
	return e.chain.GetRoster(rawHeight)
}

func (e *Engine) refreshRosterLocked() {
	rawHeight := e.consensusBlockNumber - 1
	roster, err := e.chain.GetRoster(rawHeight)
	if err != nil {
		e.cfgErr = true
		e.logger.Error("roster lookup failed", "height", e.consensusBlockNumber, "error", err)
		return
	}
	e.roster = roster
	e.rosterRawHeight = rawHeight

	idx, ok := findSelf(roster, e.selfPubKey)
	if !ok {
		e.cfgErr = true
		e.logger.Error("self not present in roster, refusing to seal or sign", "height", e.consensusBlockNumber)
		return
	}
	e.selfIndex = idx
	e.cfgErr = false
}

func findSelf(r *validator.Roster, pubKey []byte) (validator.Index, bool) {
	want := hex.EncodeToString(pubKey)
	for _, entry := range r.Entries {
		if hex.EncodeToString(entry.PubKey) == want {
			return entry.Index, true
		}
	}
	return 0, false
}

func (e *Engine) highestHashLocked() pbftcrypto.Hash {
	h, err := pbftcrypto.HashFromBytes(e.highest.HashNoSeal)
	if err != nil {
		return pbftcrypto.Hash{}
	}
	return h
}

// signCommon builds and signs a Common envelope as this node, for height/
// view/hash (spec.md §4.1: sig covers block_hash, sig2 covers every other
// field).
func (e *Engine) signCommon(height, view uint64, hash pbftcrypto.Hash) (wire.Common, error) {
	c := wire.Common{
		Height:    height,
		View:      view,
		Idx:       uint16(e.selfIndex),
		Timestamp: time.Now().UnixMilli(),
		BlockHash: hash.Bytes(),
	}
	sig, err := e.keys.Sign(c.BlockHash)
	if err != nil {
		return c, fmt.Errorf("consensus: sign block_hash: %w", err)
	}
	c.Sig = sig

	sig2Bytes, err := wire.SigningBytesFields(c)
	if err != nil {
		return c, err
	}
	sig2, err := e.keys.Sign(sig2Bytes)
	if err != nil {
		return c, fmt.Errorf("consensus: sign sig2 fields: %w", err)
	}
	c.Sig2 = sig2
	return c, nil
}

// verifyCommon checks sig and sig2 of c under roster[c.Idx] (spec.md
// §4.1: "a message is authentic iff both sig and sig2 verify").
func (e *Engine) verifyCommon(c wire.Common, roster *validator.Roster) error {
	entry, ok := roster.ByIndex(validator.Index(c.Idx))
	if !ok {
		return fmt.Errorf("consensus: idx %d out of range for roster size %d", c.Idx, roster.N())
	}
	if err := pbftcrypto.Verify(entry.PubKey, c.BlockHash, c.Sig); err != nil {
		return fmt.Errorf("consensus: sig verification failed: %w", err)
	}
	sig2Bytes, err := wire.SigningBytesFields(c)
	if err != nil {
		return err
	}
	if err := pbftcrypto.Verify(entry.PubKey, sig2Bytes, c.Sig2); err != nil {
		return fmt.Errorf("consensus: sig2 verification failed: %w", err)
	}
	return nil
}

func (e *Engine) broadcastMsg(m wire.Message, except map[string]bool) {
	body, err := wire.EncodeBody(m)
	if err != nil {
		e.logger.Error("failed to encode outbound message", "kind", m.Kind(), "error", err)
		return
	}
	if err := e.trans.Broadcast(broadcastKey(m), m.Kind(), body, except); err != nil {
		e.logger.Warn("broadcast failed", "kind", m.Kind(), "error", err)
	}
}

func broadcastKey(m wire.Message) string {
	c := m.Fields()
	switch m.Kind() {
	case wire.MsgPrepare:
		return hex.EncodeToString(c.BlockHash)
	case wire.MsgViewChange:
		return fmt.Sprintf("%s:%d", hex.EncodeToString(c.Sig), c.View)
	default:
		return hex.EncodeToString(c.Sig)
	}
}

// cmpRound compares (h, v) against the reference (refH, refV): -1 past,
// 0 equal, 1 future.
func cmpRound(h, v, refH, refV uint64) int {
	if h != refH {
		if h < refH {
			return -1
		}
		return 1
	}
	if v != refV {
		if v < refV {
			return -1
		}
		return 1
	}
	return 0
}

func (e *Engine) insertSignLocked(hash pbftcrypto.Hash, s wire.SignReq) {
	byIdx, ok := e.signCache[hash]
	if !ok {
		byIdx = make(map[validator.Index]wire.SignReq)
		e.signCache[hash] = byIdx
	}
	byIdx[validator.Index(s.Idx)] = s
}

func (e *Engine) insertCommitLocked(hash pbftcrypto.Hash, c wire.CommitReq) {
	byIdx, ok := e.commitCache[hash]
	if !ok {
		byIdx = make(map[validator.Index]wire.CommitReq)
		e.commitCache[hash] = byIdx
	}
	byIdx[validator.Index(c.Idx)] = c
}

func (e *Engine) insertViewChangeLocked(view uint64, r wire.ViewChangeReq) {
	byIdx, ok := e.recvViewChange[view]
	if !ok {
		byIdx = make(map[validator.Index]wire.ViewChangeReq)
		e.recvViewChange[view] = byIdx
	}
	byIdx[validator.Index(r.Idx)] = r
}
