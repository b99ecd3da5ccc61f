package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/sensorgrid/internal/config"
	"github.com/banshee-data/sensorgrid/internal/db"
	"github.com/banshee-data/sensorgrid/internal/network"
	"github.com/banshee-data/sensorgrid/internal/pipeline"
)

// withFlags sets flag values for one test and restores them afterwards.
func withFlags(t *testing.T, values map[string]string) {
	t.Helper()
	for name, v := range values {
		f := flag.Lookup(name)
		if f == nil {
			t.Fatalf("flag -%s not defined", name)
		}
		old := f.Value.String()
		if err := flag.Set(name, v); err != nil {
			t.Fatalf("set -%s: %v", name, err)
		}
		t.Cleanup(func() { flag.Set(name, old) })
	}
}

func TestFlagDefaults(t *testing.T) {
	if *pcapSpeed != 1.0 {
		t.Errorf("pcap-speed default = %v, want 1.0", *pcapSpeed)
	}
	if *disableDB {
		t.Error("no-db should default to false")
	}
	if *pcapFile != "" || *udpListen != "" || *httpListen != "" {
		t.Error("override flags should default to empty")
	}
}

func TestApplyFlags(t *testing.T) {
	withFlags(t, map[string]string{
		"listen":  "127.0.0.1:6006",
		"http":    "127.0.0.1:8081",
		"db":      "/tmp/x.db",
		"forward": "127.0.0.1:7007",
	})

	cfg := config.DefaultPipelineConfig()
	if err := applyFlags(cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if got := cfg.UDPAddress(); got != "127.0.0.1:6006" {
		t.Errorf("UDPAddress = %q", got)
	}
	if got := cfg.GetHTTPListen(); got != "127.0.0.1:8081" {
		t.Errorf("HTTPListen = %q", got)
	}
	if got := cfg.GetDBPath(); got != "/tmp/x.db" {
		t.Errorf("DBPath = %q", got)
	}
	if got := cfg.GetForwardAddress(); got != "127.0.0.1:7007" {
		t.Errorf("ForwardAddress = %q", got)
	}
}

func TestApplyFlags_NoDB(t *testing.T) {
	withFlags(t, map[string]string{"no-db": "true", "db": "/tmp/ignored.db"})

	cfg := config.DefaultPipelineConfig()
	if err := applyFlags(cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if got := cfg.GetDBPath(); got != "" {
		t.Errorf("DBPath = %q, want empty", got)
	}
}

func TestApplyFlags_BadListen(t *testing.T) {
	for _, v := range []string{"nocolon", "host:port"} {
		withFlags(t, map[string]string{"listen": v})
		if err := applyFlags(config.DefaultPipelineConfig()); err == nil {
			t.Errorf("-listen %q should fail", v)
		}
	}
}

func TestSourceFactory(t *testing.T) {
	cfg := config.DefaultPipelineConfig()

	src := sourceFactory(cfg, nil)(pipeline.NewTransferQueue(1), network.NewPacketStats())
	if _, ok := src.(*network.UDPListener); !ok {
		t.Errorf("live source = %T, want *network.UDPListener", src)
	}
	if got := sourceName(); got != "udp" {
		t.Errorf("sourceName = %q", got)
	}

	withFlags(t, map[string]string{"pcap": "capture.pcap"})
	src = sourceFactory(cfg, nil)(pipeline.NewTransferQueue(1), network.NewPacketStats())
	if _, ok := src.(*network.PCAPSource); !ok {
		t.Errorf("pcap source = %T, want *network.PCAPSource", src)
	}
	if got := sourceName(); got != "pcap:capture.pcap" {
		t.Errorf("sourceName = %q", got)
	}
}

func TestCounters(t *testing.T) {
	now := time.Now()
	got := counters(pipeline.Stats{
		Packets:       network.PacketCounts{Packets: 10, Bytes: 100, Accepted: 8, Discarded: 2, Dropped: 1},
		QueueDropped:  3,
		Decoded:       5,
		Malformed:     1,
		LastDecodedAt: &now,
	})
	want := db.RunCounters{Packets: 10, Bytes: 100, Accepted: 8, Discarded: 2, Dropped: 1, Decoded: 5, Malformed: 1}
	if got != want {
		t.Errorf("counters = %+v, want %+v", got, want)
	}
}

func TestRunLister_NilLedger(t *testing.T) {
	if runLister(nil) != nil {
		t.Error("nil ledger must give a nil interface")
	}
}

func TestRun_BindFailureIsRecorded(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	host := "127.0.0.1"
	port := busy.LocalAddr().(*net.UDPAddr).Port
	path := filepath.Join(t.TempDir(), "runs.db")
	cfg := config.DefaultPipelineConfig()
	cfg.ListenAddress = &host
	cfg.ListenPort = &port
	cfg.DBPath = &path

	err = run(context.Background(), cfg)
	if !errors.Is(err, pipeline.ErrBindFailed) {
		t.Fatalf("run error = %v, want ErrBindFailed", err)
	}

	ledger, err := db.NewDB(path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer ledger.Close()

	runs, err := ledger.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].StoppedAt == nil {
		t.Error("failed run should have a stop time")
	}
	if !strings.Contains(runs[0].ExitError, "bind") {
		t.Errorf("exit_error = %q, want the bind failure", runs[0].ExitError)
	}
}
