// Command sensorgrid receives sensor-grid frames over UDP, keeps the latest
// decoded grid in memory and serves it over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sensorgrid/internal/api"
	"github.com/banshee-data/sensorgrid/internal/config"
	"github.com/banshee-data/sensorgrid/internal/db"
	"github.com/banshee-data/sensorgrid/internal/network"
	"github.com/banshee-data/sensorgrid/internal/pipeline"
	"github.com/banshee-data/sensorgrid/internal/version"
)

var (
	configPath  = flag.String("config", "", "Pipeline config JSON (defaults to "+config.DefaultConfigPath+" if present)")
	udpListen   = flag.String("listen", "", "UDP listen address host:port (overrides config)")
	httpListen  = flag.String("http", "", "HTTP listen address (overrides config)")
	dbPath      = flag.String("db", "", "Run ledger SQLite path (overrides config)")
	disableDB   = flag.Bool("no-db", false, "Disable the run ledger")
	forwardAddr = flag.String("forward", "", "Mirror accepted frames to this UDP host:port")
	pcapFile    = flag.String("pcap", "", "Replay UDP payloads from a pcap/pcapng file instead of listening")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "PCAP replay speed multiplier (0 = as fast as possible)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// httpShutdownTimeout bounds graceful HTTP shutdown.
const httpShutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("sensorgrid", version.String())
		return
	}
	log.Printf("sensorgrid %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("sensorgrid: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.PipelineConfig, error) {
	cfg := config.DefaultPipelineConfig()

	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		loaded, err := config.LoadPipelineConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		log.Printf("Loaded pipeline config from %s", path)
	}

	if err := applyFlags(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyFlags(cfg *config.PipelineConfig) error {
	if *udpListen != "" {
		host, portStr, err := net.SplitHostPort(*udpListen)
		if err != nil {
			return fmt.Errorf("invalid -listen %q: %w", *udpListen, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid -listen port %q: %w", portStr, err)
		}
		cfg.ListenAddress = &host
		cfg.ListenPort = &port
	}
	if *httpListen != "" {
		cfg.HTTPListen = httpListen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *disableDB {
		empty := ""
		cfg.DBPath = &empty
	}
	if *forwardAddr != "" {
		cfg.ForwardAddress = forwardAddr
	}
	return nil
}

// sourceFactory picks live UDP or pcap replay.
func sourceFactory(cfg *config.PipelineConfig, forwarder *network.PacketForwarder) pipeline.SourceFactory {
	geom := cfg.Geometry()
	if *pcapFile != "" {
		return func(sink network.FrameSink, stats network.PacketStatsInterface) pipeline.Source {
			return network.NewPCAPSource(network.PCAPSourceConfig{
				Path:            *pcapFile,
				UDPPort:         cfg.GetListenPort(),
				FrameBytes:      geom.FrameBytes(),
				SpeedMultiplier: *pcapSpeed,
				Stats:           stats,
				Forwarder:       forwarder,
				Sink:            sink,
			})
		}
	}
	return func(sink network.FrameSink, stats network.PacketStatsInterface) pipeline.Source {
		return network.NewUDPListener(network.UDPListenerConfig{
			Address:      cfg.UDPAddress(),
			RcvBuf:       cfg.GetRcvBuf(),
			FrameBytes:   geom.FrameBytes(),
			PollInterval: cfg.GetPollInterval(),
			LogInterval:  cfg.GetStatsInterval(),
			Stats:        stats,
			Forwarder:    forwarder,
			Sink:         sink,
		})
	}
}

func sourceName() string {
	if *pcapFile != "" {
		return "pcap:" + *pcapFile
	}
	return "udp"
}

// counters flattens pipeline stats for the ledger. Queue evictions are
// already included in the source drop count.
func counters(s pipeline.Stats) db.RunCounters {
	return db.RunCounters{
		Packets:   s.Packets.Packets,
		Bytes:     s.Packets.Bytes,
		Accepted:  s.Packets.Accepted,
		Discarded: s.Packets.Discarded,
		Dropped:   s.Packets.Dropped,
		Decoded:   s.Decoded,
		Malformed: s.Malformed,
	}
}

func run(ctx context.Context, cfg *config.PipelineConfig) (err error) {
	var ledger *db.DB
	if path := cfg.GetDBPath(); path != "" {
		ledger, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("open run ledger: %w", err)
		}
		defer ledger.Close()
	}

	var forwarder *network.PacketForwarder
	if addr := cfg.GetForwardAddress(); addr != "" {
		forwarder, err = network.NewPacketForwarder(addr, nil, cfg.GetStatsInterval())
		if err != nil {
			return fmt.Errorf("create forwarder: %w", err)
		}
		defer forwarder.Close()
	}

	ctrl := pipeline.NewController(pipeline.Config{
		Geometry:        cfg.Geometry(),
		QueueCapacity:   cfg.GetQueueCapacity(),
		PopTimeout:      cfg.GetPopTimeout(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	}, sourceFactory(cfg, forwarder))

	// the row goes in before binding so a failed bind is still recorded
	if ledger != nil {
		if err := ledger.StartRun(db.Run{
			RunID:         ctrl.RunID(),
			Source:        sourceName(),
			ListenAddress: cfg.UDPAddress(),
			GridSide:      cfg.Geometry().Side,
			QueueCapacity: cfg.GetQueueCapacity(),
			StartedAt:     time.Now(),
		}); err != nil {
			log.Printf("failed to record run start: %v", err)
			ledger = nil
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		if ledger != nil {
			if ferr := ledger.FinishRun(ctrl.RunID(), time.Now(), db.RunCounters{}, err); ferr != nil {
				log.Printf("failed to record run finish: %v", ferr)
			}
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	mux := api.NewServer(api.Config{
		Store:    ctrl.Store(),
		Stats:    ctrl,
		Runs:     runLister(ledger),
		Geometry: cfg.Geometry(),
	}).ServeMux()
	if ledger != nil {
		if err := ledger.AttachAdminRoutes(mux); err != nil {
			log.Printf("admin routes disabled: %v", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.GetHTTPListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Printf("HTTP server listening on http://%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		return nil
	})

	// a failed unit ends the run so a supervisor can restart the process
	g.Go(func() error {
		select {
		case err := <-ctrl.Err():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.GetStatsInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				ctrl.LogStats()
				if ledger != nil {
					s := ctrl.Stats()
					if err := ledger.RecordRunStats(s.RunID, time.Now(), counters(s), s.QueueLen); err != nil {
						log.Printf("failed to record run stats: %v", err)
					}
				}
			}
		}
	})

	runErr := g.Wait()

	stopErr := ctrl.Stop()
	if stopErr != nil {
		log.Printf("pipeline stop: %v", stopErr)
	}

	if ledger != nil {
		exitErr := errors.Join(runErr, stopErr)
		if err := ledger.FinishRun(ctrl.RunID(), time.Now(), counters(ctrl.Stats()), exitErr); err != nil {
			log.Printf("failed to record run finish: %v", err)
		}
	}

	// a slow shutdown is reported but is not a failure
	return runErr
}

// runLister avoids handing the API a typed-nil *db.DB.
func runLister(ledger *db.DB) api.RunLister {
	if ledger == nil {
		return nil
	}
	return ledger
}
