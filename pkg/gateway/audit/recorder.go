package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vani-protocol/vani-gateway/pkg/core"
	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

const maxBatch = 64

// Writer persists batches; *Store implements it.
type Writer interface {
	RecordBatch(ctx context.Context, batch []types.Anomaly) error
}

type RecorderConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Recorder is a core.AnomalySink that hands anomalies to a Writer from a background loop.
// Record never blocks: when the buffer is full the anomaly is logged and dropped.
type Recorder struct {
	w       Writer
	ch      chan types.Anomaly
	every   time.Duration
	logger  *slog.Logger
	dropped atomic.Uint64
}

func NewRecorder(w Writer, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		w:      w,
		ch:     make(chan types.Anomaly, cfg.BufferSize),
		every:  cfg.FlushInterval,
		logger: cfg.Logger,
	}
}

func (r *Recorder) Record(a types.Anomaly) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	select {
	case r.ch <- a:
	default:
		r.dropped.Add(1)
		r.logger.Warn("anomaly dropped, audit buffer full", "session_id", a.SessionID, "kind", a.Kind, "detail", a.Detail)
	}
}

// Dropped reports how many anomalies were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes buffered anomalies until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	batch := make([]types.Anomaly, 0, maxBatch)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.w.RecordBatch(ctx, batch); err != nil {
			r.logger.Error("audit write failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case a := <-r.ch:
			batch = append(batch, a)
			if len(batch) >= maxBatch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case a := <-r.ch:
					batch = append(batch, a)
					if len(batch) >= maxBatch {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}
		}
	}
}

var _ core.AnomalySink = (*Recorder)(nil)

// LogSink writes anomalies to a logger. It is the sink when no audit database is configured.
type LogSink struct{ Logger *slog.Logger }

func (s LogSink) Record(a types.Anomaly) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("anomaly",
		"session_id", a.SessionID,
		"kind", a.Kind,
		"stage", a.Stage,
		"detail", a.Detail,
	)
}

var _ core.AnomalySink = LogSink{}
