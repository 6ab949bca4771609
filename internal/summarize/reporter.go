package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/rememberme/internal/speaker"
	"github.com/MrWong99/rememberme/pkg/memory"
	"github.com/MrWong99/rememberme/pkg/provider/llm"
)

// Fixed lines of the daily recap.
const (
	RecapOpening  = "Hello! Here is what happened today:"
	RecapClosing  = "I hope you have a peaceful evening."
	QuietDayRecap = "It was a quiet day today. I hope you had a chance to rest."
)

const (
	defaultAskDays      = 7
	askTemperature      = 0.3
	askMaxTokens        = 500
	recapTemperature    = 0.2
	maxRecordsPerPrompt = 200
)

const recapPrompt = `You are RememberMe. Your job is to report the key events of the day for a person with dementia, based ONLY on the facts provided.

CRITICAL RULES:
1. DO NOT INVENT OR HALLUCINATE. Do not add any details, events, emotions, or objects that are not explicitly in the summaries.
2. BE FACTUAL AND DIRECT. List what happened; do not tell a creative story.
3. Start with exactly: "` + RecapOpening + `"
4. For each summary, write a short, simple paragraph.
5. End with exactly: "` + RecapClosing + `"`

const askPrompt = `You are helping a caregiver understand their patient's recent activity.
Answer based ONLY on the data below. If the information is not there, say so.

Recent conversations:
%s

Known people:
%s`

// ReporterOption configures a [Reporter].
type ReporterOption func(*Reporter)

// WithReporterRoster supplies the people list used in caregiver answers.
func WithReporterRoster(r *speaker.Roster) ReporterOption {
	return func(rp *Reporter) { rp.roster = r }
}

// WithReporterClock overrides the clock that defines "today".
func WithReporterClock(now func() time.Time) ReporterOption {
	return func(rp *Reporter) { rp.now = now }
}

// WithLocation sets the time zone whose midnight starts a recap day.
// Default: [time.Local].
func WithLocation(loc *time.Location) ReporterOption {
	return func(rp *Reporter) { rp.loc = loc }
}

// Reporter answers questions about stored conversations. It is safe for
// concurrent use.
type Reporter struct {
	store  memory.Store
	llm    llm.Provider
	roster *speaker.Roster
	now    func() time.Time
	loc    *time.Location
}

// NewReporter returns a Reporter reading from store and writing with provider.
func NewReporter(store memory.Store, provider llm.Provider, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:  store,
		llm:    provider,
		roster: speaker.New(nil),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DailyRecap writes the end-of-day recap for the patient from today's
// patient-facing summaries. Days without conversations get [QuietDayRecap]
// without calling the model.
func (r *Reporter) DailyRecap(ctx context.Context) (string, error) {
	now := r.now().In(r.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)

	records, err := r.store.RecentRecords(ctx, midnight, maxRecordsPerPrompt)
	if err != nil {
		return "", fmt.Errorf("summarize: daily recap: %w", err)
	}

	var facts strings.Builder
	// Records arrive newest first; the recap reads in chronological order.
	for i := len(records) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(records[i].Summary.SimpleSummary); s != "" {
			facts.WriteString("- ")
			facts.WriteString(s)
			facts.WriteByte('\n')
		}
	}
	if facts.Len() == 0 {
		return QuietDayRecap, nil
	}

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: recapPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Here are the factual summaries from today. Use ONLY these facts:\n" + facts.String(),
		}},
		Temperature: recapTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: daily recap: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("summarize: daily recap: empty response")
	}
	return frameRecap(resp.Content), nil
}

// frameRecap makes sure the recap opens and closes with the fixed lines even
// when the model forgot them.
func frameRecap(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, RecapOpening) {
		text = RecapOpening + "\n\n" + text
	}
	if !strings.HasSuffix(text, RecapClosing) {
		text = text + "\n\n" + RecapClosing
	}
	return text
}

// Ask answers a caregiver's question from the conversations of the last
// days days (7 when days <= 0) and the roster.
func (r *Reporter) Ask(ctx context.Context, question string, days int) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("summarize: ask: empty question")
	}
	if days <= 0 {
		days = defaultAskDays
	}

	since := r.now().AddDate(0, 0, -days)
	records, err := r.store.RecentRecords(ctx, since, maxRecordsPerPrompt)
	if err != nil {
		return "", fmt.Errorf("summarize: ask: %w", err)
	}
	if len(records) == 0 {
		return fmt.Sprintf("I don't have any conversation records from the last %d days.", days), nil
	}

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(askPrompt, r.formatRecords(records), r.roster.Describe()),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: question}},
		Temperature:  askTemperature,
		MaxTokens:    askMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: ask: %w", err)
	}
	if resp == nil {
		return "", errors.New("summarize: ask: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

func (r *Reporter) formatRecords(records []memory.Record) string {
	var sb strings.Builder
	for i, rec := range records {
		summary := rec.Summary.Clinical.CaregiverSummary
		if summary == "" {
			summary = rec.Summary.SimpleSummary
		}
		if summary == "" {
			summary = "No summary"
		}
		mood := rec.Summary.Clinical.PatientMood
		if mood == "" {
			mood = "unknown"
		}
		concerns := "None"
		if len(rec.Summary.Clinical.KeyConcerns) > 0 {
			concerns = strings.Join(rec.Summary.Clinical.KeyConcerns, ", ")
		}
		when := "Unknown"
		if !rec.Conversation.StartTime.IsZero() {
			when = rec.Conversation.StartTime.In(r.loc).Format("Monday, January 02 at 03:04 PM")
		}

		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "Conversation %d - %s", i+1, when)
		if rec.Conversation.Speaker != "" {
			fmt.Fprintf(&sb, " (with %s)", rec.Conversation.Speaker)
		}
		fmt.Fprintf(&sb, ":\n- Summary: %s\n- Patient Mood: %s\n- Concerns: %s", summary, mood, concerns)
	}
	return sb.String()
}
