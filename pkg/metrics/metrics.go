// Package metrics collects process-wide counters for the byte source,
// tile decoder and TIFF handle pool, in the same mutex-protected
// map/counter style and /metrics + /health HTTP surface the teacher
// repo's metrics collector uses, repointed at this domain's concerns.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects byte-source, tile-decode and handle-pool counters.
type Metrics struct {
	mu sync.RWMutex

	// Byte source (Component A) metrics, by URL.
	BlockFetchBytesTotal map[string]int64
	BlockCacheHitsTotal  map[string]int64
	BlockCacheMissesTotal map[string]int64

	// Tile decoder (Component D) metrics.
	TileDecodeCountTotal  int64
	TileDecodeDurationNs  int64
	TileDecodeFailedTotal int64

	// TIFF handle pool (Component C) metrics.
	HandlePoolOutstanding int64
	HandlePoolIdle        int64
}

// New creates an empty metrics collector.
func New() *Metrics {
	return &Metrics{
		BlockFetchBytesTotal:  make(map[string]int64),
		BlockCacheHitsTotal:   make(map[string]int64),
		BlockCacheMissesTotal: make(map[string]int64),
	}
}

// RecordBlockFetch records one block-cache-miss fetch for url.
func (m *Metrics) RecordBlockFetch(url string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlockFetchBytesTotal[url] += bytes
	m.BlockCacheMissesTotal[url]++
}

// RecordBlockHit records one block-cache hit for url.
func (m *Metrics) RecordBlockHit(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlockCacheHitsTotal[url]++
}

// RecordTileDecode records one tile decode's wall-clock duration and
// whether it failed.
func (m *Metrics) RecordTileDecode(d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TileDecodeCountTotal++
	m.TileDecodeDurationNs += d.Nanoseconds()
	if failed {
		m.TileDecodeFailedTotal++
	}
	log.Debug().Dur("duration", d).Bool("failed", failed).Msg("tile decode")
}

// SetHandlePoolGauges records the current outstanding/idle handle counts
// for one slide's pool. Pools report their own counts directly rather
// than this package polling, since only the pool knows its own state.
func (m *Metrics) SetHandlePoolGauges(outstanding, idle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HandlePoolOutstanding = int64(outstanding)
	m.HandlePoolIdle = int64(idle)
}

// snapshot is the JSON/Prometheus-exportable view, aggregated across
// per-URL maps so dashboards don't need to enumerate every URL.
type snapshot struct {
	BlockFetchBytesTotal  int64 `json:"block_fetch_bytes_total"`
	BlockCacheHitsTotal   int64 `json:"block_cache_hits_total"`
	BlockCacheMissesTotal int64 `json:"block_cache_misses_total"`
	TileDecodeCountTotal  int64 `json:"tile_decode_count_total"`
	TileDecodeDurationNs  int64 `json:"tile_decode_duration_ns"`
	TileDecodeFailedTotal int64 `json:"tile_decode_failed_total"`
	HandlePoolOutstanding int64 `json:"handle_pool_outstanding"`
	HandlePoolIdle        int64 `json:"handle_pool_idle"`
}

func (m *Metrics) Snapshot() snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := snapshot{
		TileDecodeCountTotal:  m.TileDecodeCountTotal,
		TileDecodeDurationNs:  m.TileDecodeDurationNs,
		TileDecodeFailedTotal: m.TileDecodeFailedTotal,
		HandlePoolOutstanding: m.HandlePoolOutstanding,
		HandlePoolIdle:        m.HandlePoolIdle,
	}
	for _, v := range m.BlockFetchBytesTotal {
		s.BlockFetchBytesTotal += v
	}
	for _, v := range m.BlockCacheHitsTotal {
		s.BlockCacheHitsTotal += v
	}
	for _, v := range m.BlockCacheMissesTotal {
		s.BlockCacheMissesTotal += v
	}
	return s
}

// WritePrometheus writes the snapshot as Prometheus exposition text to w.
func (m *Metrics) WritePrometheus(w io.Writer) {
	s := m.Snapshot()
	fmt.Fprintf(w, "openremoteslide_block_fetch_bytes_total %d\n", s.BlockFetchBytesTotal)
	fmt.Fprintf(w, "openremoteslide_block_cache_hits_total %d\n", s.BlockCacheHitsTotal)
	fmt.Fprintf(w, "openremoteslide_block_cache_misses_total %d\n", s.BlockCacheMissesTotal)
	fmt.Fprintf(w, "openremoteslide_tile_decode_count_total %d\n", s.TileDecodeCountTotal)
	fmt.Fprintf(w, "openremoteslide_tile_decode_duration_ns_total %d\n", s.TileDecodeDurationNs)
	fmt.Fprintf(w, "openremoteslide_tile_decode_failed_total %d\n", s.TileDecodeFailedTotal)
	fmt.Fprintf(w, "openremoteslide_handle_pool_outstanding %d\n", s.HandlePoolOutstanding)
	fmt.Fprintf(w, "openremoteslide_handle_pool_idle %d\n", s.HandlePoolIdle)
}

// Handler returns an http.Handler serving /metrics (format=prometheus|json,
// default json) and is mounted by the CLI's "metrics" subcommand, same
// surface as the teacher's metrics server.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "prometheus" {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			m.WritePrometheus(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Global is the process-wide default collector, mirroring the teacher's
// package-level GlobalMetrics instance.
var Global = New()
