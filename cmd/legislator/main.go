// Command legislator runs one Paxos replica process. It is the direct
// descendant of cmd/goshawkdb/main.go's flag-parsing-then-signalHandler
// shape, pared to the single positional-argument contract spec.md §6
// specifies: <config_path> <replica_name>.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus"

	server "go.legislator.dev/server"
	"go.legislator.dev/server/cluster"
	"go.legislator.dev/server/configuration"
	"go.legislator.dev/server/ledger"
	"go.legislator.dev/server/metrics"
	"go.legislator.dev/server/paxos"
	"go.legislator.dev/server/status"
	"go.legislator.dev/server/transport/tcp"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if err := run(logger); err != nil {
		logger.Log("msg", "fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	var dataDir, metricsAddr string
	var debug bool

	flag.StringVar(&dataDir, "data-dir", ".", "`Directory` holding this replica's ledger file.")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "`host:port` to serve Prometheus metrics on; disabled if empty.")
	flag.BoolVar(&debug, "debug", false, "Enable verbose protocol tracing.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <config_path> <replica_name>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		return fmt.Errorf("expected exactly two positional arguments (config_path, replica_name), got %d", len(args))
	}
	configPath, replicaName := args[0], args[1]

	if debug {
		server.DebugLog = func(l log.Logger, keyvals ...interface{}) { l.Log(keyvals...) }
	}

	logger = log.With(logger, "product", server.ProductName, "version", server.Version, "replica", replicaName)
	logger.Log("msg", "starting", "config", configPath, "args", fmt.Sprint(os.Args))

	cfg, err := configuration.LoadFromPath(configPath, replicaName)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	l, err := ledger.Open(filepath.Join(dataDir, replicaName+".ledger"), logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer l.Close()

	addrs := make(map[string]string, cfg.N())
	var selfAddr string
	for _, p := range cfg.Peers {
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
		addrs[p.Name] = addr
		if p.Name == replicaName {
			selfAddr = addr
		}
	}

	t, err := tcp.Listen(replicaName, selfAddr, addrs, logger)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer t.Close()

	c := cluster.New(cfg, t, logger)

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry, replicaName)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log("msg", "metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Log("msg", "serving metrics", "addr", metricsAddr)
	}

	replica := paxos.New(logger, l, c, recorder, nil)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGTSTP, syscall.SIGUSR1, syscall.SIGQUIT)

	logger.Log("msg", "ready")

	// The single-goroutine Event Dispatcher of spec.md §4.6: one select
	// loop owns the Replica, reading inbound protocol messages, external
	// triggers (SIGTSTP), HigherBallot backoff retries, and OS signals.
	// Triggers and RetryTriggers are kept on separate channels so only a
	// genuine external trigger resets the HigherBallot backoff.
	for {
		select {
		case msg := <-t.Inbox():
			replica.HandleMessage(msg)

		case <-replica.Triggers():
			replica.InitiateBallot()

		case <-replica.RetryTriggers():
			replica.RetryBallot()

		case sig := <-sigs:
			switch sig {
			case os.Interrupt, syscall.SIGTERM:
				logger.Log("msg", "shutting down", "signal", sig.String())
				return nil
			case syscall.SIGTSTP:
				replica.RequestInitiateBallot()
			case syscall.SIGUSR1:
				dumpStatus(logger, replicaName, replica)
			case syscall.SIGQUIT:
				dumpStacks(logger)
			}
		}
	}
}

// dumpStatus mirrors cmd/goshawkdb/main.go's signalStatus: emit into a
// fresh status tree, print once every Fork()ed branch has Join()ed.
func dumpStatus(logger log.Logger, replicaName string, replica *paxos.Replica) {
	sc := status.NewStatusConsumer()
	go func() {
		str := sc.Wait()
		logger.Log("msg", "status dump start", server.StatusRMId, replicaName)
		os.Stderr.WriteString(str + "\n")
		logger.Log("msg", "status dump end", server.StatusRMId, replicaName)
	}()
	replica.Status(sc.Fork())
	sc.Join()
}

// dumpStacks mirrors cmd/goshawkdb/main.go's signalDumpStacks.
func dumpStacks(logger log.Logger) {
	size := 16384
	for {
		buf := make([]byte, size)
		if n := runtime.Stack(buf, true); n <= size {
			logger.Log("msg", "stacks dump start")
			os.Stderr.Write(buf[:n])
			logger.Log("msg", "stacks dump end")
			return
		}
		size += size
	}
}
