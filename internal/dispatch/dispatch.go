// Package dispatch turns flushed audio segments into persisted memory records.
//
// A [Dispatcher] runs every segment through a fixed pipeline:
//
//	encode → archive → transcribe → summarize → embed → persist
//
// Each segment is processed on its own goroutine, detached from the track
// that produced it: [Dispatcher.Dispatch] returns immediately, a track may be
// torn down while its segments are still in flight, and completion order
// across segments is not defined. A failing stage aborts only the segment it
// belongs to; the error is logged and reported to the optional completion
// hook. [Dispatcher.Process] runs the same pipeline synchronously and returns
// a [*StageError] so callers (and tests) can see exactly where it stopped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/internal/segment"
	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/memory"
	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
)

// Pipeline stage names. They appear in logs, span names, metric attributes
// and [StageError.Stage].
const (
	StageEncode     = "encode"
	StageArchive    = "archive"
	StageTranscribe = "transcribe"
	StageSummarize  = "summarize"
	StageEmbed      = "embed"
	StagePersist    = "persist"
)

const (
	defaultTimeout       = 2 * time.Minute
	defaultMaxConcurrent = 4
)

// ErrEmptyTranscript is wrapped in the transcribe [StageError] when the
// provider returned no text. Such segments are not summarised or stored.
var ErrEmptyTranscript = errors.New("dispatch: empty transcript")

// StageError reports which pipeline stage aborted a segment.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("dispatch: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Summariser produces the patient-facing and clinical summary of one
// transcript. The returned Summary needs only SimpleSummary and Clinical
// populated; identifiers and timestamps are filled in by the dispatcher.
type Summariser interface {
	Summarise(ctx context.Context, speaker, transcript string) (memory.Summary, error)
}

// CompletionHook is called once per dispatched segment after processing
// finishes. Exactly one of rec and err is non-nil.
type CompletionHook func(seg segment.Segment, rec *memory.Record, err error)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithEmbedder enables the embed stage. Without it summaries are stored
// without an embedding.
func WithEmbedder(e embeddings.Provider) Option {
	return func(d *Dispatcher) { d.embedder = e }
}

// WithRecordingsDir enables the archive stage: every segment's WAV is
// written into dir before transcription.
func WithRecordingsDir(dir string) Option {
	return func(d *Dispatcher) { d.recordDir = dir }
}

// WithPatientID sets the patient every stored conversation is attributed to.
func WithPatientID(id string) Option {
	return func(d *Dispatcher) { d.patientID = id }
}

// WithTimeout bounds the total time one segment may spend in the pipeline.
// Default is 2 minutes.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxConcurrent caps how many segments are processed at once. Segments
// beyond the cap wait on their own goroutine; Dispatch never blocks.
// Default is 4.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithMetrics overrides the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the clock used to stamp GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator overrides the generator for conversation and summary IDs.
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// WithCompletionHook registers fn to observe every finished dispatch.
func WithCompletionHook(fn CompletionHook) Option {
	return func(d *Dispatcher) { d.onDone = fn }
}

// Dispatcher processes segments asynchronously. It is safe for concurrent use.
type Dispatcher struct {
	stt        stt.Provider
	summariser Summariser
	store      memory.Store
	embedder   embeddings.Provider

	recordDir     string
	patientID     string
	timeout       time.Duration
	maxConcurrent int
	metrics       *observe.Metrics
	now           func() time.Time
	newID         func() string
	onDone        CompletionHook

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New returns a Dispatcher wired to the given providers and store.
func New(sttP stt.Provider, sum Summariser, store memory.Store, opts ...Option) (*Dispatcher, error) {
	if sttP == nil {
		return nil, errors.New("dispatch: stt provider is required")
	}
	if sum == nil {
		return nil, errors.New("dispatch: summariser is required")
	}
	if store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	d := &Dispatcher{
		stt:           sttP,
		summariser:    sum,
		store:         store,
		timeout:       defaultTimeout,
		maxConcurrent: defaultMaxConcurrent,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.sem = semaphore.NewWeighted(int64(d.maxConcurrent))
	d.base, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Dispatch hands seg to a background goroutine and returns immediately.
// Segments dispatched after [Dispatcher.Close] are dropped with a warning.
func (d *Dispatcher) Dispatch(seg segment.Segment) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		observe.Logger(d.base).Warn("dispatch: dispatcher closed, dropping segment",
			"track", seg.TrackID, "speaker", seg.Speaker, "frames", seg.FrameCount())
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(seg)
	}()
}

func (d *Dispatcher) run(seg segment.Segment) {
	if err := d.sem.Acquire(d.base, 1); err != nil {
		d.finish(d.base, seg, nil, fmt.Errorf("dispatch: waiting for slot: %w", err))
		return
	}
	defer d.sem.Release(1)

	d.metrics.DispatchInflight.Add(d.base, 1)
	defer d.metrics.DispatchInflight.Add(d.base, -1)

	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()

	rec, err := d.Process(ctx, seg)
	d.finish(ctx, seg, rec, err)
}

func (d *Dispatcher) finish(ctx context.Context, seg segment.Segment, rec *memory.Record, err error) {
	log := observe.Logger(ctx).With(
		"track", seg.TrackID,
		"speaker", seg.Speaker,
		"start", seg.Start,
		"end", seg.End,
	)
	if err != nil {
		stage := "unknown"
		var se *StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		d.metrics.RecordDispatchFailure(ctx, stage)
		log.Error("dispatch: segment failed", "stage", stage, "err", err)
	} else {
		log.Info("dispatch: segment stored",
			"conversation_id", rec.Conversation.ID,
			"transcript_chars", len(rec.Conversation.Transcript),
		)
	}
	if d.onDone != nil {
		d.onDone(seg, rec, err)
	}
}

// Process runs seg through the whole pipeline on the calling goroutine. On
// failure the returned error is a [*StageError] and nothing is persisted.
func (d *Dispatcher) Process(ctx context.Context, seg segment.Segment) (_ *memory.Record, err error) {
	ctx, span := observe.StartSpan(ctx, "dispatch.segment")
	defer func() { observe.EndSpan(span, err) }()

	var wav []byte
	if err := d.stage(ctx, StageEncode, func(context.Context) error {
		if seg.FrameCount() == 0 {
			return errors.New("segment has no frames")
		}
		wav = audio.EncodeWAV(seg.PCM(), seg.Format)
		return nil
	}); err != nil {
		return nil, err
	}

	convID := d.newID()

	var audioPath string
	if d.recordDir != "" {
		if err := d.stage(ctx, StageArchive, func(context.Context) error {
			p, err := d.archive(seg, convID, wav)
			audioPath = p
			return err
		}); err != nil {
			return nil, err
		}
	}

	var transcript string
	if err := d.stage(ctx, StageTranscribe, func(ctx context.Context) error {
		text, err := d.stt.Transcribe(ctx, wav)
		if err != nil {
			return err
		}
		transcript = strings.TrimSpace(text)
		if transcript == "" {
			return ErrEmptyTranscript
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var sum memory.Summary
	if err := d.stage(ctx, StageSummarize, func(ctx context.Context) error {
		s, err := d.summariser.Summarise(ctx, seg.Speaker, transcript)
		sum = s
		return err
	}); err != nil {
		return nil, err
	}

	if d.embedder != nil {
		if err := d.stage(ctx, StageEmbed, func(ctx context.Context) error {
			vec, err := d.embedder.Embed(ctx, sum.SimpleSummary)
			sum.Embedding = vec
			return err
		}); err != nil {
			return nil, err
		}
	}

	conv := memory.Conversation{
		ID:         convID,
		PatientID:  d.patientID,
		TrackID:    seg.TrackID,
		Speaker:    seg.Speaker,
		StartTime:  seg.Start,
		EndTime:    seg.End,
		Transcript: transcript,
		AudioPath:  audioPath,
	}
	sum.ID = d.newID()
	sum.ConversationID = conv.ID
	sum.GeneratedAt = d.now()

	if err := d.stage(ctx, StagePersist, func(ctx context.Context) error {
		return d.store.SaveConversation(ctx, conv, sum)
	}); err != nil {
		return nil, err
	}
	return &memory.Record{Conversation: conv, Summary: sum}, nil
}

// stage runs fn inside a child span, records its duration and wraps any
// failure in a StageError.
func (d *Dispatcher) stage(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	ctx, span := observe.StartSpan(ctx, "dispatch."+name)
	start := time.Now()
	defer func() {
		d.metrics.RecordStage(ctx, name, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	if err := fn(ctx); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// archive writes wav to the recordings directory and returns its path. An
// existing file is never replaced.
func (d *Dispatcher) archive(seg segment.Segment, convID string, wav []byte) (string, error) {
	if err := os.MkdirAll(d.recordDir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(d.recordDir, ArchiveName(seg.TrackID, seg.End, convID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	_, werr := f.Write(wav)
	if err := errors.Join(werr, f.Close()); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// ArchiveName returns the file name the segment of conversation convID from
// trackID that ended at t is archived under:
// conversation_YYYYMMDD_HHMMSS.mmm_<track>_<conversation>.wav. Characters
// that are unsafe in file names are replaced with underscores.
func ArchiveName(trackID string, t time.Time, convID string) string {
	return fmt.Sprintf("conversation_%s_%s_%s.wav",
		t.UTC().Format("20060102_150405.000"), safeName(trackID), safeName(convID))
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Wait blocks until every dispatched segment has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: wait: %w", ctx.Err())
	}
}

// Close stops accepting new segments and cancels any still in flight. Call
// [Dispatcher.Wait] first to give them a chance to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}
