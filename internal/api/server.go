// Package api serves the latest decoded grid and pipeline diagnostics over
// HTTP. Handlers only read from the latest-state store; nothing here can
// block the listener or the decoder.
package api

import (
	"bytes"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sensorgrid/internal/db"
	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/httputil"
	"github.com/banshee-data/sensorgrid/internal/monitoring"
	"github.com/banshee-data/sensorgrid/internal/pipeline"
	"github.com/banshee-data/sensorgrid/internal/render"
	"github.com/banshee-data/sensorgrid/internal/synth"
	"github.com/banshee-data/sensorgrid/internal/version"
)

var logf = monitoring.Unit("http")

const (
	msgNoData  = "No live UDP sensor data received yet"
	msgLatest  = "Serving latest live UDP data."
	maxPNGSize = 20 // inches
)

// SnapshotReader is the read side of the latest-state store.
type SnapshotReader interface {
	Read() (pipeline.Snapshot, bool)
}

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

// RunLister lists entries of the run ledger.
type RunLister interface {
	ListRuns(limit int) ([]db.Run, error)
}

// Config wires a Server to the pipeline. Runs is optional.
type Config struct {
	Store    SnapshotReader
	Stats    StatsSource
	Runs     RunLister
	Geometry grid.Geometry
	// Rand seeds the synthetic /sensor_data frames; defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

type Server struct {
	store SnapshotReader
	stats StatsSource
	runs  RunLister
	geom  grid.Geometry

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewServer(cfg Config) *Server {
	rng := cfg.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, ^seed))
	}
	geom := cfg.Geometry
	if geom.Side == 0 {
		geom = grid.DefaultGeometry()
	}
	return &Server{
		store: cfg.Store,
		stats: cfg.Stats,
		runs:  cfg.Runs,
		geom:  geom,
		rng:   rng,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest_matrix", s.latestMatrix)
	mux.HandleFunc("/sensor_data", s.sensorData)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/grid/summary", s.gridSummary)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/debug/heatmap", s.heatmapHTML)
	mux.HandleFunc("/debug/heatmap.png", s.heatmapPNG)
	return mux
}

// latestMatrixResponse is the body of a successful /latest_matrix call.
type latestMatrixResponse struct {
	Timestamp string    `json:"timestamp"`
	Matrix    []float64 `json:"matrix"`
	Message   string    `json:"message"`
	Seq       uint64    `json:"seq"`
	Side      int       `json:"side"`
}

func (s *Server) latestMatrix(w http.ResponseWriter, r *http.Request) {
	allowAnyOrigin(w)
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap, ok := s.store.Read()
	if !ok {
		httputil.NoContent(w, msgNoData)
		return
	}

	httputil.WriteJSONOK(w, latestMatrixResponse{
		Timestamp: snap.DecodedAt.Format(time.RFC3339Nano),
		Matrix:    snap.Grid.Values(),
		Message:   msgLatest,
		Seq:       snap.Seq,
		Side:      snap.Grid.Side(),
	})
}

func (s *Server) sensorData(w http.ResponseWriter, r *http.Request) {
	allowAnyOrigin(w)
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	s.rngMu.Lock()
	buf, err := synth.NoiseFrame(s.geom, s.rng)
	s.rngMu.Unlock()
	if err != nil {
		httputil.InternalServerError(w, "Error packing binary data: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	if _, err := w.Write(buf); err != nil {
		logf("failed to write synthetic frame: %v", err)
		return
	}
	logf("sent %d bytes of synthetic binary data", len(buf))
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, statsResponse{Stats: s.stats.Stats(), Build: version.Get()})
}

// statsResponse adds build metadata to the pipeline counters.
type statsResponse struct {
	pipeline.Stats
	Build version.Info `json:"build"`
}

// gridSummaryResponse wraps grid.Summary with the snapshot it describes.
type gridSummaryResponse struct {
	grid.Summary
	Timestamp string `json:"timestamp"`
	Seq       uint64 `json:"seq"`
}

func (s *Server) gridSummary(w http.ResponseWriter, r *http.Request) {
	allowAnyOrigin(w)
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	snap, ok := s.store.Read()
	if !ok {
		httputil.NoContent(w, msgNoData)
		return
	}
	httputil.WriteJSONOK(w, gridSummaryResponse{
		Summary:   snap.Grid.Summarize(),
		Timestamp: snap.DecodedAt.Format(time.RFC3339Nano),
		Seq:       snap.Seq,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runs == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "run ledger disabled")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to list runs: "+err.Error())
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) heatmapHTML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	stride := max(1, s.geom.Side/64)
	if v := r.URL.Query().Get("stride"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.geom.Side {
			httputil.BadRequest(w, "Invalid 'stride' parameter")
			return
		}
		stride = n
	}

	snap, ok := s.store.Read()
	if !ok {
		httputil.NoContent(w, msgNoData)
		return
	}

	var buf bytes.Buffer
	if err := render.HeatmapHTML(&buf, snap.Grid, snap.DecodedAt, stride); err != nil {
		httputil.InternalServerError(w, "failed to render chart: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) heatmapPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	size := 6.0
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 1 || n > maxPNGSize {
			httputil.BadRequest(w, "Invalid 'size' parameter")
			return
		}
		size = n
	}

	snap, ok := s.store.Read()
	if !ok {
		httputil.NoContent(w, msgNoData)
		return
	}

	var buf bytes.Buffer
	title := "seq " + strconv.FormatUint(snap.Seq, 10) + " @ " + snap.DecodedAt.Format(time.RFC3339)
	if err := render.HeatmapPNG(&buf, snap.Grid, title, vg.Length(size)*vg.Inch); err != nil {
		httputil.InternalServerError(w, "failed to render png: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
