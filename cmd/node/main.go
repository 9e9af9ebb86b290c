// Command node starts an ainchain validator node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ainblock/ainchain/config"
	"github.com/ainblock/ainchain/consensus"
	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/crypto/certgen"
	"github.com/ainblock/ainchain/events"
	"github.com/ainblock/ainchain/indexer"
	"github.com/ainblock/ainchain/network"
	"github.com/ainblock/ainchain/nodestate"
	"github.com/ainblock/ainchain/rpc"
	"github.com/ainblock/ainchain/storage"
	"github.com/ainblock/ainchain/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("AINCHAIN_PASSWORD")
	if password == "" {
		log.Println("WARNING: AINCHAIN_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load or derive validator key ----
	var w *wallet.Wallet
	if _, statErr := os.Stat(*keyPath); statErr == nil {
		privKey, err := wallet.LoadKey(*keyPath, password)
		if err != nil {
			log.Fatalf("load key: %v", err)
		}
		w = wallet.New(privKey)
	} else {
		// No keystore file on disk: derive a deterministic key from the
		// node's own ID and its configured account index, for local
		// development and test networks that run without provisioning a
		// keystore per node.
		w, err = wallet.ForIndex([]byte(cfg.NodeID), cfg.AccountIndex)
		if err != nil {
			log.Fatalf("derive key: %v", err)
		}
		log.Printf("No keystore found at %s, derived validator key for account index %d", *keyPath, cfg.AccountIndex)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/state")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	snapshotDB := storage.NewPathDB(db)
	blockStore := storage.NewBlockStore(cfg.DataDir+"/blocks", snapshotDB, cfg.ChainSubsectionLength)

	// ---- mempool and node state reconstructor ----
	mempool := core.NewMempool()
	view := nodestate.New(blockStore, snapshotDB, mempool, w.PrivKey())

	// A node with no configured seed peers is assumed to be bootstrapping
	// its own chain; any other node waits to sync genesis from a peer.
	isFirstNode := len(cfg.SeedPeers) == 0
	genesisBlock, err := config.CreateGenesisBlock(cfg, snapshotDB, w.PrivKey())
	if err != nil {
		log.Fatalf("genesis: %v", err)
	}
	if err := view.Init(isFirstNode, genesisBlock); err != nil {
		log.Fatalf("node state init: %v", err)
	}
	if isFirstNode {
		log.Printf("Genesis block committed: %s", genesisBlock.Hash)
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, view, tlsCfg)
	network.NewSyncer(node, blockStore)

	// ---- consensus ----
	engine := consensus.New(cfg, w.PubKey(), view, node, emitter, idx)
	node.SetConsensusHandler(engine.HandleConsensusMessage)

	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(view, engine, mempool, idx)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- consensus engine ----
	if err := engine.Init(); err != nil {
		log.Fatalf("consensus init: %v", err)
	}
	defer engine.Stop()
	log.Printf("Consensus running (validator: %s)", w.PubKey())

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// Deferred calls run in LIFO: engine.Stop → rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
