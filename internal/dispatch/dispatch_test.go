package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/rememberme/internal/dispatch"
	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/internal/segment"
	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/memory"
	memorymock "github.com/MrWong99/rememberme/pkg/memory/mock"
	embedmock "github.com/MrWong99/rememberme/pkg/provider/embeddings/mock"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
	sttmock "github.com/MrWong99/rememberme/pkg/provider/stt/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type fakeSummariser struct {
	mu    sync.Mutex
	calls []string
	sum   memory.Summary
	err   error
}

func (f *fakeSummariser) Summarise(_ context.Context, speaker, transcript string) (memory.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, speaker+": "+transcript)
	return f.sum, f.err
}

func (f *fakeSummariser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testSegment(frames int) segment.Segment {
	fs := make([][]byte, frames)
	for i := range fs {
		fs[i] = make([]byte, 320)
	}
	return segment.Segment{
		TrackID: "TR_abc",
		Speaker: "alice",
		Frames:  fs,
		Format:  audio.Format{SampleRate: 16000, Channels: 1},
		Start:   fixedNow.Add(-3 * time.Second),
		End:     fixedNow,
	}
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func failuresFor(t *testing.T, reader *sdkmetric.ManualReader, stage string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "rememberme.dispatch.failures" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("dispatch.failures is %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("stage"); ok && v.AsString() == stage {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func newDispatcher(t *testing.T, s *sttmock.Provider, sum dispatch.Summariser, store memory.Store, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	m, _ := newTestMetrics(t)
	base := []dispatch.Option{
		dispatch.WithMetrics(m),
		dispatch.WithClock(func() time.Time { return fixedNow }),
		dispatch.WithIDGenerator(sequentialIDs()),
	}
	d, err := dispatch.New(s, sum, store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// ─── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	s := &sttmock.Provider{}
	sum := &fakeSummariser{}
	store := &memorymock.Store{}

	tests := []struct {
		name  string
		stt   stt.Provider
		sum   dispatch.Summariser
		store memory.Store
	}{
		{"no stt", nil, sum, store},
		{"no summariser", s, nil, store},
		{"no store", s, sum, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := dispatch.New(tc.stt, tc.sum, tc.store); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// ─── Process ──────────────────────────────────────────────────────────────────

func TestProcess_Success(t *testing.T) {
	t.Parallel()

	s := &sttmock.Provider{Text: "  we went to the market  "}
	sum := &fakeSummariser{sum: memory.Summary{
		SimpleSummary: "You went to the market with Alice.",
		Clinical:      memory.ClinicalFields{PatientMood: "cheerful"},
	}}
	emb := &embedmock.Provider{EmbedResult: []float32{0.1, 0.2}, DimensionsValue: 2}
	store := &memorymock.Store{}

	d := newDispatcher(t, s, sum, store,
		dispatch.WithEmbedder(emb),
		dispatch.WithPatientID("grandma"),
	)

	seg := testSegment(10)
	rec, err := d.Process(context.Background(), seg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if rec.Conversation.Transcript != "we went to the market" {
		t.Errorf("Transcript = %q", rec.Conversation.Transcript)
	}
	if rec.Conversation.PatientID != "grandma" {
		t.Errorf("PatientID = %q", rec.Conversation.PatientID)
	}
	if rec.Conversation.Speaker != "alice" || rec.Conversation.TrackID != "TR_abc" {
		t.Errorf("conversation source = %q/%q", rec.Conversation.Speaker, rec.Conversation.TrackID)
	}
	if !rec.Conversation.StartTime.Equal(seg.Start) || !rec.Conversation.EndTime.Equal(seg.End) {
		t.Errorf("times = %v..%v, want %v..%v", rec.Conversation.StartTime, rec.Conversation.EndTime, seg.Start, seg.End)
	}
	if rec.Conversation.AudioPath != "" {
		t.Errorf("AudioPath = %q, want empty without recordings dir", rec.Conversation.AudioPath)
	}
	if rec.Summary.ConversationID != rec.Conversation.ID {
		t.Errorf("Summary.ConversationID = %q, want %q", rec.Summary.ConversationID, rec.Conversation.ID)
	}
	if rec.Summary.ID == "" || rec.Summary.ID == rec.Conversation.ID {
		t.Errorf("Summary.ID = %q", rec.Summary.ID)
	}
	if !rec.Summary.GeneratedAt.Equal(fixedNow) {
		t.Errorf("GeneratedAt = %v", rec.Summary.GeneratedAt)
	}
	if len(rec.Summary.Embedding) != 2 {
		t.Errorf("Embedding = %v", rec.Summary.Embedding)
	}

	// The STT provider receives a WAV with the concatenated PCM.
	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("Transcribe calls = %d", len(calls))
	}
	pcm, f, err := audio.DecodeWAV(bytes.NewReader(calls[0].WAV))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(pcm) != 3200 || f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("wav = %d bytes %+v", len(pcm), f)
	}

	// The embedding is computed from the patient-facing summary.
	if len(emb.EmbedCalls) != 1 || emb.EmbedCalls[0].Text != "You went to the market with Alice." {
		t.Errorf("Embed calls = %+v", emb.EmbedCalls)
	}

	stored := store.Records()
	if len(stored) != 1 || stored[0].Conversation.ID != rec.Conversation.ID {
		t.Errorf("stored = %+v", stored)
	}
}

func TestProcess_StageFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	tests := []struct {
		name      string
		seg       segment.Segment
		sttText   string
		sttErr    error
		sumErr    error
		embedErr  error
		saveErr   error
		wantStage string
		wantErr   error
	}{
		{name: "empty segment", seg: testSegment(0), sttText: "hi", wantStage: dispatch.StageEncode},
		{name: "transcribe error", seg: testSegment(5), sttErr: boom, wantStage: dispatch.StageTranscribe, wantErr: boom},
		{name: "empty transcript", seg: testSegment(5), sttText: "   ", wantStage: dispatch.StageTranscribe, wantErr: dispatch.ErrEmptyTranscript},
		{name: "summarize error", seg: testSegment(5), sttText: "hi", sumErr: boom, wantStage: dispatch.StageSummarize, wantErr: boom},
		{name: "embed error", seg: testSegment(5), sttText: "hi", embedErr: boom, wantStage: dispatch.StageEmbed, wantErr: boom},
		{name: "persist error", seg: testSegment(5), sttText: "hi", saveErr: boom, wantStage: dispatch.StagePersist, wantErr: boom},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := &sttmock.Provider{Text: tc.sttText, Err: tc.sttErr}
			sum := &fakeSummariser{sum: memory.Summary{SimpleSummary: "ok"}, err: tc.sumErr}
			emb := &embedmock.Provider{EmbedResult: []float32{1}, EmbedErr: tc.embedErr}
			store := &memorymock.Store{SaveErr: tc.saveErr}
			d := newDispatcher(t, s, sum, store, dispatch.WithEmbedder(emb))

			rec, err := d.Process(context.Background(), tc.seg)
			if rec != nil {
				t.Errorf("expected nil record, got %+v", rec)
			}
			var se *dispatch.StageError
			if !errors.As(err, &se) {
				t.Fatalf("error %v is not a StageError", err)
			}
			if se.Stage != tc.wantStage {
				t.Errorf("Stage = %q, want %q", se.Stage, tc.wantStage)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("error %v does not wrap %v", err, tc.wantErr)
			}
			if tc.wantStage != dispatch.StagePersist && store.CallCount("SaveConversation") != 0 {
				t.Error("store was called after an earlier stage failed")
			}
			if len(store.Records()) != 0 {
				t.Error("a record was persisted for a failed segment")
			}
		})
	}
}

func TestProcess_EmptyTranscriptSkipsSummary(t *testing.T) {
	t.Parallel()

	s := &sttmock.Provider{Text: ""}
	sum := &fakeSummariser{}
	d := newDispatcher(t, s, sum, &memorymock.Store{})

	if _, err := d.Process(context.Background(), testSegment(3)); !errors.Is(err, dispatch.ErrEmptyTranscript) {
		t.Fatalf("err = %v, want ErrEmptyTranscript", err)
	}
	if sum.callCount() != 0 {
		t.Errorf("summariser called %d times", sum.callCount())
	}
}

func TestProcess_ArchivesRecording(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "recordings")
	s := &sttmock.Provider{Text: "hello"}
	d := newDispatcher(t, s, &fakeSummariser{}, &memorymock.Store{}, dispatch.WithRecordingsDir(dir))

	seg := testSegment(4)
	rec, err := d.Process(context.Background(), seg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := filepath.Join(dir, "conversation_20260314_092653.000_TR_abc_id-1.wav")
	if rec.Conversation.AudioPath != want {
		t.Errorf("AudioPath = %q, want %q", rec.Conversation.AudioPath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 44+4*320 {
		t.Errorf("archived %d bytes", len(data))
	}
}

func TestProcess_ArchiveKeepsSegmentsEndingInSameSecond(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := &sttmock.Provider{Text: "hello"}
	d := newDispatcher(t, s, &fakeSummariser{}, &memorymock.Store{}, dispatch.WithRecordingsDir(dir))

	first := testSegment(2)
	second := testSegment(6)
	second.Start = first.End.Add(100 * time.Millisecond)
	second.End = first.End.Add(300 * time.Millisecond)

	recA, err := d.Process(context.Background(), first)
	if err != nil {
		t.Fatalf("Process first: %v", err)
	}
	recB, err := d.Process(context.Background(), second)
	if err != nil {
		t.Fatalf("Process second: %v", err)
	}
	if recA.Conversation.AudioPath == recB.Conversation.AudioPath {
		t.Fatalf("both segments archived to %q", recA.Conversation.AudioPath)
	}
	for _, tc := range []struct {
		path   string
		frames int
	}{
		{recA.Conversation.AudioPath, 2},
		{recB.Conversation.AudioPath, 6},
	} {
		data, err := os.ReadFile(tc.path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if len(data) != 44+tc.frames*320 {
			t.Errorf("%s holds %d bytes, want %d", tc.path, len(data), 44+tc.frames*320)
		}
	}
}

func TestProcess_ArchiveNeverOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seg := testSegment(2)
	existing := filepath.Join(dir, dispatch.ArchiveName(seg.TrackID, seg.End, "id-1"))
	if err := os.WriteFile(existing, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &memorymock.Store{}
	d := newDispatcher(t, &sttmock.Provider{Text: "hello"}, &fakeSummariser{}, store, dispatch.WithRecordingsDir(dir))
	_, err := d.Process(context.Background(), seg)

	var se *dispatch.StageError
	if !errors.As(err, &se) || se.Stage != dispatch.StageArchive {
		t.Fatalf("err = %v, want archive stage error", err)
	}
	if !errors.Is(err, os.ErrExist) {
		t.Errorf("err = %v, want os.ErrExist", err)
	}
	if data, _ := os.ReadFile(existing); string(data) != "keep me" {
		t.Errorf("existing recording was replaced: %q", data)
	}
}

func TestArchiveName(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 250*int(time.Millisecond), time.UTC)
	tests := []struct {
		track string
		conv  string
		want  string
	}{
		{"TR_abc", "c1", "conversation_20260102_030405.250_TR_abc_c1.wav"},
		{"user/42:mic", "c1", "conversation_20260102_030405.250_user_42_mic_c1.wav"},
		{"../etc", "../x", "conversation_20260102_030405.250____etc____x.wav"},
	}
	for _, tc := range tests {
		if got := dispatch.ArchiveName(tc.track, ts, tc.conv); got != tc.want {
			t.Errorf("ArchiveName(%q, %q) = %q, want %q", tc.track, tc.conv, got, tc.want)
		}
	}
}

// ─── Dispatch ─────────────────────────────────────────────────────────────────

func TestDispatch_DoesNotBlock(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := &sttmock.Provider{TranscribeFunc: func(ctx context.Context, _ []byte) (string, error) {
		select {
		case <-release:
			return "hello", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	store := &memorymock.Store{}
	d := newDispatcher(t, s, &fakeSummariser{}, store, dispatch.WithMaxConcurrent(1))

	done := make(chan struct{})
	go func() {
		for range 20 {
			d.Dispatch(testSegment(2))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked while the pipeline was busy")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := len(store.Records()); got != 20 {
		t.Errorf("stored %d records, want 20", got)
	}
}

func TestDispatch_RespectsMaxConcurrent(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	release := make(chan struct{})
	s := &sttmock.Provider{TranscribeFunc: func(context.Context, []byte) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return "hello", nil
	}}
	d := newDispatcher(t, s, &fakeSummariser{}, &memorymock.Store{}, dispatch.WithMaxConcurrent(2))

	for range 6 {
		d.Dispatch(testSegment(1))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	if s.CallCount() != 6 {
		t.Errorf("Transcribe calls = %d, want 6", s.CallCount())
	}
}

func TestDispatch_CompletionHookAndMetrics(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)

	var mu sync.Mutex
	var oks, fails []string
	hook := func(seg segment.Segment, rec *memory.Record, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			var se *dispatch.StageError
			if errors.As(err, &se) {
				fails = append(fails, se.Stage)
			}
			return
		}
		oks = append(oks, rec.Conversation.ID)
	}

	s := &sttmock.Provider{TranscribeFunc: func(_ context.Context, wav []byte) (string, error) {
		// Segments of one frame transcribe to nothing.
		if len(wav) <= 44+320 {
			return "", nil
		}
		return "hello", nil
	}}
	d, err := dispatch.New(s, &fakeSummariser{}, &memorymock.Store{},
		dispatch.WithMetrics(m),
		dispatch.WithCompletionHook(hook),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	d.Dispatch(testSegment(3))
	d.Dispatch(testSegment(1))
	d.Dispatch(testSegment(3))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(oks) != 2 {
		t.Errorf("successes = %v, want 2", oks)
	}
	if len(fails) != 1 || fails[0] != dispatch.StageTranscribe {
		t.Errorf("failures = %v, want [transcribe]", fails)
	}
	if got := failuresFor(t, reader, dispatch.StageTranscribe); got != 1 {
		t.Errorf("dispatch.failures{stage=transcribe} = %d, want 1", got)
	}
}

func TestClose_CancelsInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := &sttmock.Provider{TranscribeFunc: func(ctx context.Context, _ []byte) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}

	errCh := make(chan error, 1)
	m, _ := newTestMetrics(t)
	d, err := dispatch.New(s, &fakeSummariser{}, &memorymock.Store{},
		dispatch.WithMetrics(m),
		dispatch.WithCompletionHook(func(_ segment.Segment, _ *memory.Record, err error) { errCh <- err }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.Dispatch(testSegment(2))
	<-started
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("hook err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion hook not called")
	}

	// Segments dispatched after Close are dropped.
	d.Dispatch(testSegment(2))
	if s.CallCount() != 1 {
		t.Errorf("Transcribe calls = %d, want 1", s.CallCount())
	}
}

func TestWait_ContextExpires(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	s := &sttmock.Provider{TranscribeFunc: func(ctx context.Context, _ []byte) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "hi", nil
	}}
	d := newDispatcher(t, s, &fakeSummariser{}, &memorymock.Store{})
	d.Dispatch(testSegment(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want DeadlineExceeded", err)
	}
	close(block)
}
