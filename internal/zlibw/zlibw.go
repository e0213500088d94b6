// Package zlibw implements the opportunistic per-connection zlib batch
// writer: at flush time, coalesced output is compressed only when it is
// worth it and only at a safe frame boundary.
package zlibw

import (
	"bytes"
	"sync/atomic"

	"github.com/klauspost/compress/zlib"
)

// Config mirrors the reference hub's compression-relevant settings.
type Config struct {
	Disabled     bool
	MinLen       int // zlib_min_len: buffers shorter than this are never compressed
	CompressLevel int // zlib_compress_level, 0-9
}

// DefaultConfig matches the reference hub's shipped defaults.
func DefaultConfig() Config {
	return Config{MinLen: 1024, CompressLevel: zlib.DefaultCompression}
}

// Stats accumulates two running totals for the statistics surface: bytes
// saved by zlib batching, and bytes saved by substituting TTH values with
// their short form. The second grows only through AddTTHSSaved; zlibw
// itself never rewrites TTH and nothing in internal/hub calls
// AddTTHSSaved, so it stays at zero.
type Stats struct {
	zlibSaved atomic.Int64
	tthsSaved atomic.Int64
}

func (s *Stats) AddZlibSaved(n int64) { s.zlibSaved.Add(n) }
func (s *Stats) AddTTHSSaved(n int64) { s.tthsSaved.Add(n) }
func (s *Stats) ZlibSaved() int64     { return s.zlibSaved.Load() }
func (s *Stats) TTHSSaved() int64     { return s.tthsSaved.Load() }

// BatchWriter implements internal/conn's FlushFunc, applying zlib to a
// connection's flush buffer once it crosses the configured size
// threshold.
type BatchWriter struct {
	cfg   Config
	stats *Stats
}

// New builds a BatchWriter that records savings into stats (shared across
// every connection so the hub-wide statistics component sees one total).
func New(cfg Config, stats *Stats) *BatchWriter {
	return &BatchWriter{cfg: cfg, stats: stats}
}

// Transform is the conn.FlushFunc: it compresses buf in place of the raw
// bytes only when compression is enabled, the buffer has reached
// zlib_min_len, the buffer ends on a frame boundary ('|'), and the
// compressed form actually comes out smaller. Any other case returns buf
// unchanged — never a partial frame is compressed, since a peer mid-frame
// could not resynchronize after a boundary it never expected.
func (w *BatchWriter) Transform(buf []byte) []byte {
	if w.cfg.Disabled || len(buf) == 0 {
		return buf
	}
	if len(buf) < w.cfg.MinLen {
		return buf
	}
	if buf[len(buf)-1] != '|' {
		return buf
	}

	compressed, err := compress(buf, w.cfg.CompressLevel)
	if err != nil || len(compressed) >= len(buf) {
		return buf
	}
	if w.stats != nil {
		w.stats.AddZlibSaved(int64(len(buf) - len(compressed)))
	}
	return compressed
}

func compress(buf []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(buf); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
