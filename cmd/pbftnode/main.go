// Command pbftnode is the process entrypoint: load config, stand up the
// durable store, transport, chain facade and consensus engine, and run
// until killed.
package main

import (
	"encoding/hex"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/dappledger/bcos-pbft/chainface"
	"github.com/dappledger/bcos-pbft/config"
	"github.com/dappledger/bcos-pbft/consensus"
	"github.com/dappledger/bcos-pbft/pbftcrypto"
	"github.com/dappledger/bcos-pbft/store"
	"github.com/dappledger/bcos-pbft/transport"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	startPBFT()
}

func startPBFT() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "pbftnode." + conf.NodeName,
		Level: hclog.LevelFromString(conf.LogLevel),
	})

	keys := pbftcrypto.GenerateKeyPair()
	logger.Warn("generated an ephemeral signing identity; persistent key management is out of this module's scope (spec.md §1)")
	if err := patchSelfPubKey(conf, keys); err != nil {
		panic(err)
	}

	durable, err := store.Open(conf.StorePath)
	if err != nil {
		panic(err)
	}

	roster, err := conf.GenesisRoster()
	if err != nil {
		panic(err)
	}
	chain := chainface.NewMemoryChain(roster)

	trans, err := transport.NewTCPTransport(conf.NodeName, conf.ListenAddr, logger.Named("transport"))
	if err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 10)
	peers, err := conf.ToPeerAddrs()
	if err != nil {
		panic(err)
	}
	for _, p := range peers {
		if p.ID == conf.NodeName {
			continue
		}
		if err := trans.Dial(p); err != nil {
			logger.Error("failed to dial peer", "peer", p.ID, "error", err)
		}
	}

	engine, err := consensus.New(consensus.Config{
		ViewTimeout:     conf.ViewTimeout,
		OmitEmptyBlocks: conf.OmitEmptyBlocks,
		TickInterval:    conf.TickInterval,
		GCInterval:      conf.GCInterval,
	}, chain, trans, durable, keys, logger.Named("consensus"))
	if err != nil {
		panic(err)
	}

	fmt.Println("node starts the PBFT engine!")
	if err := engine.Start(); err != nil {
		panic(err)
	}
	select {}
}

// patchSelfPubKey overwrites this node's own genesis-roster entry with
// the public half of the identity it just generated, so the rest of the
// cluster's static config already names the key that will actually sign
// this run's messages. A production deployment would instead load a
// persistent key matching a pre-distributed roster (out of scope).
func patchSelfPubKey(conf *config.Config, keys *pbftcrypto.KeyPair) error {
	pub, err := keys.PublicKeyBytes()
	if err != nil {
		return fmt.Errorf("marshal self public key: %w", err)
	}
	for i := range conf.Peers {
		if conf.Peers[i].Name == conf.NodeName {
			conf.Peers[i].PubKey = hex.EncodeToString(pub)
			return nil
		}
	}
	return fmt.Errorf("node_name %q not present in its own peers roster", conf.NodeName)
}
