// Command summerset-server runs one replica process (spec §6 CLI). It
// wires the Durable Log Store, Transport Hub, External API Endpoint,
// Heartbeater, Lease Manager, and state machine together behind the
// chosen ProtocolStrategy, then runs the Replica Core's single select
// loop until a shutdown signal or an unrecoverable error.
//
// Structured like the teacher's cmd/server/main.go (flag parsing, WAL
// open, transport start, node start, signal-driven graceful shutdown)
// but replaces its flag.String calls with cobra per SPEC_FULL.md's
// ambient CLI stack, and its gRPC/gRPC-node pairing with this module's
// Transport Hub / Replica Core.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dssys/summerset-go/pkg/apiserver"
	"github.com/dssys/summerset-go/pkg/config"
	"github.com/dssys/summerset-go/pkg/heartbeat"
	"github.com/dssys/summerset-go/pkg/lease"
	"github.com/dssys/summerset-go/pkg/manager"
	"github.com/dssys/summerset-go/pkg/metrics"
	"github.com/dssys/summerset-go/pkg/replica"
	"github.com/dssys/summerset-go/pkg/smrerr"
	"github.com/dssys/summerset-go/pkg/statemachine"
	"github.com/dssys/summerset-go/pkg/transport"
	"github.com/dssys/summerset-go/pkg/walog"
	"github.com/dssys/summerset-go/pkg/wire"
)

var (
	flagProtocol  string
	flagReplicaID int
	flagManager   string
	flagAPIAddr   string
	flagP2PAddr   string
	flagConfig    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "summerset-server: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "summerset-server",
	Short: "Run one replica of a Summerset-family SMR cluster",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().StringVar(&flagProtocol, "protocol", "", "protocol: raft, multipaxos, craft, repnothing")
	rootCmd.Flags().IntVar(&flagReplicaID, "replica-id", -1, "this replica's id (informational: the id assigned by --manager always wins)")
	rootCmd.Flags().StringVar(&flagManager, "manager", "", "cluster manager base URL, e.g. http://localhost:7000")
	rootCmd.Flags().StringVar(&flagAPIAddr, "api-addr", "", "client API listen address")
	rootCmd.Flags().StringVar(&flagP2PAddr, "p2p-addr", "", "peer transport listen address")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to a TOML config file")
}

// exitCodeFor realizes spec §6's exit-code table for whatever bubbled up
// through RunE as a smrerr.Error; anything else is an unrecoverable
// runtime error.
func exitCodeFor(err error) int {
	switch {
	case smrerr.Is(err, smrerr.Input):
		return 1
	case err.Error() == errLostQuorum:
		return 3
	default:
		return 2
	}
}

const errLostQuorum = "replica: lost quorum beyond fault tolerance at startup"

func runServer(cmd *cobra.Command, args []string) error {
	file, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	params := config.ResolveServer(file, flagProtocol, flagReplicaID, flagManager, flagAPIAddr, flagP2PAddr)

	log := newLogger(params.LogLevel, params.LogJSON)

	mgrClient := manager.NewClient(params.ManagerAddr)
	reg, err := mgrClient.Register(params.P2PAddr, params.APIAddr)
	if err != nil {
		return smrerr.Wrap(smrerr.IO, "main.runServer", "manager register: %v", err)
	}
	me := reg.ReplicaID
	population := reg.Population
	if params.HasReplicaID && wire.ReplicaID(params.ReplicaID) != me {
		log.Warn().Uint8("manager_assigned", uint8(me)).Uint8("flag", params.ReplicaID).
			Msg("--replica-id ignored; manager is authoritative")
	}
	if err := params.Validate(population); err != nil {
		return err
	}

	hmacKey := []byte(params.HMACKeyHex)
	if len(hmacKey) == 0 {
		hmacKey = []byte("summerset-dev-cluster-key")
	}

	walDir := fmt.Sprintf("%s/replica-%d", params.WALDir, me)
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return smrerr.Wrap(smrerr.IO, "main.runServer", "mkdir %s: %v", walDir, err)
	}
	log1, records, err := walog.Open(walDir, log)
	if err != nil {
		return smrerr.Wrap(smrerr.IO, "main.runServer", "open wal: %v", err)
	}
	defer log1.Close()

	peerAddrs := make(map[wire.ReplicaID]string, len(reg.Peers))
	for id, addr := range reg.Peers {
		peerAddrs[id] = addr
	}
	net := transport.NewHub(me, peerAddrs, hmacKey, log)
	if err := net.Listen(params.P2PAddr); err != nil {
		return smrerr.Wrap(smrerr.IO, "main.runServer", "listen p2p: %v", err)
	}
	net.Connect()
	defer net.Close()

	api := apiserver.New(log)
	if err := api.Listen(params.APIAddr); err != nil {
		return smrerr.Wrap(smrerr.IO, "main.runServer", "listen api: %v", err)
	}

	leaseMgr := lease.New(me, population, params.LeaseDuration)
	hb := heartbeat.New(population, me, params.Heartbeat, 1)
	store := statemachine.NewStore()
	exec := statemachine.NewExecutor(store)
	defer exec.Close()

	env := &replica.Env{
		Me: me, Population: population, Quorum: population/2 + 1,
		Log: log1, Net: net, API: api, Lease: leaseMgr, Exec: exec, Hb: hb,
	}

	var strategy replica.ProtocolStrategy
	switch params.Protocol {
	case "raft":
		strategy = replica.NewRaft(env, population, records, log)
	case "multipaxos":
		strategy = replica.NewMultiPaxos(env, population, records, log)
	case "craft":
		strategy = replica.NewCRaft(env, population, params.FaultTolerance, records, log)
	case "repnothing":
		strategy = replica.NewRepNothing(env, records, log)
	default:
		return smrerr.Wrap(smrerr.Input, "main.runServer", "unknown protocol %q", params.Protocol)
	}

	metrics.Register(me, params.Protocol)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: params.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server exited")
		}
	}()

	core := replica.NewCore(env, hb, strategy, log)
	stop := make(chan struct{})
	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(stop) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var coreErr error
	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
		close(stop)
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("replica core exited with error")
			coreErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)
	log.Info().Msg("shutdown complete")
	return coreErr
}

func newLogger(level string, jsonOutput bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if jsonOutput {
		return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(lvl).With().Timestamp().Logger()
}
