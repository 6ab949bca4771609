package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rememberme/internal/speaker"
	"github.com/MrWong99/rememberme/pkg/memory"
	memorymock "github.com/MrWong99/rememberme/pkg/memory/mock"
	"github.com/MrWong99/rememberme/pkg/provider/llm"
	llmmock "github.com/MrWong99/rememberme/pkg/provider/llm/mock"
)

var reportNow = time.Date(2026, 5, 20, 19, 0, 0, 0, time.UTC)

func record(id string, start time.Time, simple string, clinical memory.ClinicalFields) memory.Record {
	return memory.Record{
		Conversation: memory.Conversation{ID: id, StartTime: start, Speaker: "Sarah (daughter)"},
		Summary:      memory.Summary{ConversationID: id, SimpleSummary: simple, Clinical: clinical},
	}
}

func newReporter(store memory.Store, p llm.Provider) *Reporter {
	return NewReporter(store, p,
		WithReporterClock(func() time.Time { return reportNow }),
		WithLocation(time.UTC),
		WithReporterRoster(speaker.New([]speaker.Person{{Name: "Sarah", Relationship: "daughter"}})),
	)
}

func TestDailyRecap_QuietDay(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	// Yesterday's conversation does not count.
	store.Seed(record("old", reportNow.AddDate(0, 0, -1), "You had tea.", memory.ClinicalFields{}))
	p := &llmmock.Provider{}

	got, err := newReporter(store, p).DailyRecap(context.Background())
	if err != nil {
		t.Fatalf("DailyRecap: %v", err)
	}
	if got != QuietDayRecap {
		t.Errorf("recap = %q, want quiet day text", got)
	}
	if len(p.Calls()) != 0 {
		t.Errorf("LLM called on a quiet day")
	}
}

func TestDailyRecap_ChronologicalFacts(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	store.Seed(
		record("a", reportNow.Add(-8*time.Hour), "You had breakfast with Sarah.", memory.ClinicalFields{}),
		record("b", reportNow.Add(-2*time.Hour), "You watched the birds.", memory.ClinicalFields{}),
	)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: RecapOpening + "\n\nYou had breakfast with Sarah. Later you watched the birds.\n\n" + RecapClosing,
	}}

	got, err := newReporter(store, p).DailyRecap(context.Background())
	if err != nil {
		t.Fatalf("DailyRecap: %v", err)
	}
	if strings.Count(got, RecapOpening) != 1 || strings.Count(got, RecapClosing) != 1 {
		t.Errorf("recap framing duplicated or missing: %q", got)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete calls = %d", len(calls))
	}
	msg := calls[0].Req.Messages[0].Content
	first := strings.Index(msg, "breakfast")
	second := strings.Index(msg, "birds")
	if first < 0 || second < 0 || first > second {
		t.Errorf("facts not in chronological order: %q", msg)
	}
}

func TestDailyRecap_AddsMissingFraming(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	store.Seed(record("a", reportNow.Add(-time.Hour), "You went for a walk.", memory.ClinicalFields{}))
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "You went for a walk."}}

	got, err := newReporter(store, p).DailyRecap(context.Background())
	if err != nil {
		t.Fatalf("DailyRecap: %v", err)
	}
	if !strings.HasPrefix(got, RecapOpening) || !strings.HasSuffix(got, RecapClosing) {
		t.Errorf("recap = %q", got)
	}
}

func TestDailyRecap_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	store := &memorymock.Store{RecentErr: boom}
	if _, err := newReporter(store, &llmmock.Provider{}).DailyRecap(context.Background()); !errors.Is(err, boom) {
		t.Errorf("store error: got %v", err)
	}

	store = &memorymock.Store{}
	store.Seed(record("a", reportNow.Add(-time.Hour), "You went for a walk.", memory.ClinicalFields{}))
	if _, err := newReporter(store, &llmmock.Provider{CompleteErr: boom}).DailyRecap(context.Background()); !errors.Is(err, boom) {
		t.Errorf("llm error: got %v", err)
	}
}

func TestAsk_NoRecords(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	got, err := newReporter(&memorymock.Store{}, p).Ask(context.Background(), "How was her week?", 3)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "I don't have any conversation records from the last 3 days." {
		t.Errorf("answer = %q", got)
	}
	if len(p.Calls()) != 0 {
		t.Error("LLM called without records")
	}
}

func TestAsk_UsesCaregiverFields(t *testing.T) {
	t.Parallel()

	store := &memorymock.Store{}
	store.Seed(
		record("a", reportNow.Add(-24*time.Hour), "You talked to Sarah.", memory.ClinicalFields{
			CaregiverSummary: "Discussed the upcoming visit.",
			PatientMood:      "anxious",
			KeyConcerns:      []string{"forgot medication"},
		}),
		record("b", reportNow.Add(-10*24*time.Hour), "Too old.", memory.ClinicalFields{}),
	)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " She seemed anxious. "}}

	got, err := newReporter(store, p).Ask(context.Background(), "How is her mood?", 0)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "She seemed anxious." {
		t.Errorf("answer = %q", got)
	}

	req := p.Calls()[0].Req
	for _, want := range []string{
		"Discussed the upcoming visit.",
		"Patient Mood: anxious",
		"Concerns: forgot medication",
		"(with Sarah (daughter))",
		"- Sarah (daughter)",
	} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.SystemPrompt)
		}
	}
	if strings.Contains(req.SystemPrompt, "Too old.") {
		t.Error("prompt includes records outside the window")
	}
	if req.Messages[0].Content != "How is her mood?" {
		t.Errorf("question = %q", req.Messages[0].Content)
	}
	if req.MaxTokens != askMaxTokens || req.Temperature != askTemperature {
		t.Errorf("params = %v/%v", req.MaxTokens, req.Temperature)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	t.Parallel()

	if _, err := newReporter(&memorymock.Store{}, &llmmock.Provider{}).Ask(context.Background(), " ", 7); err == nil {
		t.Error("expected error")
	}
}
