// Package mcp exposes the patient's conversation history to caregiver
// assistants over the Model Context Protocol.
//
// The [Server] registers five tools on an MCP server from the official Go
// SDK:
//   - "recent_conversations" lists what was said in the last few days.
//   - "search_conversations" finds conversations by meaning, or by keyword
//     when no embeddings provider is configured.
//   - "get_conversation" returns one conversation with its transcript.
//   - "daily_recap" writes the patient-facing summary of today.
//   - "ask_about_patient" answers a caregiver question from recent history.
//
// [Server.Handler] serves the tools over streamable HTTP. Tool handlers are
// safe for concurrent use.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/pkg/memory"
	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
)

const (
	defaultDays        = 7
	defaultLimit       = 20
	maxLimit           = 100
	keywordSearchDays  = 30
	transcriptPreview  = 280
	implementationName = "rememberme"
)

// Reporter writes the natural-language answers. It is implemented by
// summarize.Reporter.
type Reporter interface {
	DailyRecap(ctx context.Context) (string, error)
	Ask(ctx context.Context, question string, days int) (string, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithEmbedder enables semantic search. Without it search_conversations
// matches keywords against the last 30 days.
func WithEmbedder(e embeddings.Provider) Option {
	return func(s *Server) { s.embedder = e }
}

// WithMetrics overrides the metrics sink. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the clock used to compute look-back windows.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithVersion sets the implementation version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server owns the MCP server and the tool handlers behind it.
type Server struct {
	store    memory.Store
	reporter Reporter
	embedder embeddings.Provider
	metrics  *observe.Metrics
	now      func() time.Time
	version  string

	srv *mcpsdk.Server
}

// NewServer builds the MCP server and registers every tool.
func NewServer(store memory.Store, reporter Reporter, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("mcp: store is required")
	}
	if reporter == nil {
		return nil, errors.New("mcp: reporter is required")
	}
	s := &Server{
		store:    store,
		reporter: reporter,
		now:      time.Now,
		version:  "dev",
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.srv = mcpsdk.NewServer(&mcpsdk.Implementation{Name: implementationName, Version: s.version}, nil)

	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "recent_conversations",
		Description: "List the patient's conversations from the last few days, newest first, with their summaries.",
	}, instrument(s, "recent_conversations", s.recentConversations))
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "search_conversations",
		Description: "Find past conversations about a topic, person or event.",
	}, instrument(s, "search_conversations", s.searchConversations))
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "get_conversation",
		Description: "Fetch one conversation by ID, including the full transcript and clinical notes.",
	}, instrument(s, "get_conversation", s.getConversation))
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "daily_recap",
		Description: "Write a short, warm recap of today's conversations addressed to the patient.",
	}, instrument(s, "daily_recap", s.dailyRecap))
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        "ask_about_patient",
		Description: "Answer a caregiver's question using the patient's recent conversation history.",
	}, instrument(s, "ask_about_patient", s.askAboutPatient))

	return s, nil
}

// MCP returns the underlying SDK server, for transports other than HTTP.
func (s *Server) MCP() *mcpsdk.Server { return s.srv }

// Handler serves the tools over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

// instrument wraps a tool handler with a span, a log line on failure and the
// tool-call metric.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, error)) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		ctx, span := observe.StartSpan(ctx, "mcp.tool."+name)
		out, err := fn(ctx, in)
		observe.EndSpan(span, err)

		status := "ok"
		if err != nil {
			status = "error"
			observe.Logger(ctx).Warn("mcp: tool failed", "tool", name, "err", err)
		}
		s.metrics.RecordToolCall(ctx, name, status)
		return nil, out, err
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared output types
// ─────────────────────────────────────────────────────────────────────────────

// ConversationView is the caregiver-facing shape of one record.
type ConversationView struct {
	ID               string    `json:"id"`
	Speaker          string    `json:"speaker"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Summary          string    `json:"summary"`
	CaregiverSummary string    `json:"caregiver_summary,omitempty"`
	Mood             string    `json:"patient_mood,omitempty"`
	CognitiveState   string    `json:"cognitive_state,omitempty"`
	Topics           []string  `json:"topics,omitempty"`
	People           []string  `json:"people,omitempty"`
	Events           []string  `json:"events,omitempty"`
	Concerns         []string  `json:"concerns,omitempty"`
	Transcript       string    `json:"transcript,omitempty"`
	Distance         *float64  `json:"distance,omitempty"`
}

// ConversationList is the output of the listing tools.
type ConversationList struct {
	Conversations []ConversationView `json:"conversations"`
}

// TextAnswer is the output of the tools that write prose.
type TextAnswer struct {
	Text string `json:"text"`
}

// view converts a record. fullTranscript selects between the whole transcript
// and a short preview.
func view(rec memory.Record, fullTranscript bool) ConversationView {
	c, sum := rec.Conversation, rec.Summary
	tr := c.Transcript
	if !fullTranscript {
		tr = preview(tr, transcriptPreview)
	}
	return ConversationView{
		ID:               c.ID,
		Speaker:          c.Speaker,
		Start:            c.StartTime,
		End:              c.EndTime,
		Summary:          sum.SimpleSummary,
		CaregiverSummary: sum.Clinical.CaregiverSummary,
		Mood:             sum.Clinical.PatientMood,
		CognitiveState:   sum.Clinical.CognitiveState,
		Topics:           sum.Clinical.TopicsDiscussed,
		People:           sum.Clinical.KeyPeople,
		Events:           sum.Clinical.KeyEvents,
		Concerns:         sum.Clinical.KeyConcerns,
		Transcript:       tr,
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// recent_conversations
// ─────────────────────────────────────────────────────────────────────────────

// RecentArgs is the input of "recent_conversations".
type RecentArgs struct {
	Days  int `json:"days,omitempty" jsonschema:"how many days to look back, default 7"`
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of conversations, default 20"`
}

func (s *Server) recentConversations(ctx context.Context, in RecentArgs) (ConversationList, error) {
	days := in.Days
	if days <= 0 {
		days = defaultDays
	}
	since := s.now().AddDate(0, 0, -days)
	recs, err := s.store.RecentRecords(ctx, since, clampLimit(in.Limit))
	if err != nil {
		return ConversationList{}, fmt.Errorf("mcp: recent_conversations: %w", err)
	}
	out := ConversationList{Conversations: make([]ConversationView, 0, len(recs))}
	for _, r := range recs {
		out.Conversations = append(out.Conversations, view(r, false))
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// search_conversations
// ─────────────────────────────────────────────────────────────────────────────

// SearchArgs is the input of "search_conversations".
type SearchArgs struct {
	Query string `json:"query" jsonschema:"what to look for, e.g. the garden or Sarah's visit"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 20"`
}

func (s *Server) searchConversations(ctx context.Context, in SearchArgs) (ConversationList, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return ConversationList{}, errors.New("mcp: search_conversations: query must not be empty")
	}
	limit := clampLimit(in.Limit)

	if s.embedder == nil {
		return s.keywordSearch(ctx, query, limit)
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return ConversationList{}, fmt.Errorf("mcp: search_conversations: embed query: %w", err)
	}
	hits, err := s.store.SearchRecords(ctx, vec, limit)
	if err != nil {
		return ConversationList{}, fmt.Errorf("mcp: search_conversations: %w", err)
	}
	out := ConversationList{Conversations: make([]ConversationView, 0, len(hits))}
	for _, h := range hits {
		v := view(h.Record, false)
		d := h.Distance
		v.Distance = &d
		out.Conversations = append(out.Conversations, v)
	}
	return out, nil
}

// keywordSearch matches every query word, case-insensitively, against the
// transcript and summaries of recent records.
func (s *Server) keywordSearch(ctx context.Context, query string, limit int) (ConversationList, error) {
	since := s.now().AddDate(0, 0, -keywordSearchDays)
	recs, err := s.store.RecentRecords(ctx, since, 0)
	if err != nil {
		return ConversationList{}, fmt.Errorf("mcp: search_conversations: %w", err)
	}
	words := strings.Fields(strings.ToLower(query))

	out := ConversationList{Conversations: []ConversationView{}}
	for _, r := range recs {
		hay := strings.ToLower(strings.Join([]string{
			r.Conversation.Transcript,
			r.Conversation.Speaker,
			r.Summary.SimpleSummary,
			r.Summary.Clinical.CaregiverSummary,
			strings.Join(r.Summary.Clinical.TopicsDiscussed, " "),
			strings.Join(r.Summary.Clinical.KeyPeople, " "),
		}, " "))
		if !containsAll(hay, words) {
			continue
		}
		out.Conversations = append(out.Conversations, view(r, false))
		if len(out.Conversations) == limit {
			break
		}
	}
	slog.Debug("mcp: keyword search", "query", query, "hits", len(out.Conversations))
	return out, nil
}

func containsAll(hay string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(hay, w) {
			return false
		}
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// get_conversation
// ─────────────────────────────────────────────────────────────────────────────

// GetArgs is the input of "get_conversation".
type GetArgs struct {
	ID string `json:"id" jsonschema:"conversation ID as returned by the listing tools"`
}

func (s *Server) getConversation(ctx context.Context, in GetArgs) (ConversationView, error) {
	if in.ID == "" {
		return ConversationView{}, errors.New("mcp: get_conversation: id must not be empty")
	}
	rec, err := s.store.GetRecord(ctx, in.ID)
	if errors.Is(err, memory.ErrNotFound) {
		return ConversationView{}, fmt.Errorf("mcp: get_conversation: no conversation with id %q", in.ID)
	}
	if err != nil {
		return ConversationView{}, fmt.Errorf("mcp: get_conversation: %w", err)
	}
	return view(rec, true), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// daily_recap
// ─────────────────────────────────────────────────────────────────────────────

// RecapArgs is the (empty) input of "daily_recap".
type RecapArgs struct{}

func (s *Server) dailyRecap(ctx context.Context, _ RecapArgs) (TextAnswer, error) {
	text, err := s.reporter.DailyRecap(ctx)
	if err != nil {
		return TextAnswer{}, fmt.Errorf("mcp: daily_recap: %w", err)
	}
	return TextAnswer{Text: text}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ask_about_patient
// ─────────────────────────────────────────────────────────────────────────────

// AskArgs is the input of "ask_about_patient".
type AskArgs struct {
	Question string `json:"question" jsonschema:"the caregiver's question, e.g. how was her mood this week?"`
	Days     int    `json:"days,omitempty" jsonschema:"how many days of history to consider, default 7"`
}

func (s *Server) askAboutPatient(ctx context.Context, in AskArgs) (TextAnswer, error) {
	if strings.TrimSpace(in.Question) == "" {
		return TextAnswer{}, errors.New("mcp: ask_about_patient: question must not be empty")
	}
	text, err := s.reporter.Ask(ctx, in.Question, in.Days)
	if err != nil {
		return TextAnswer{}, fmt.Errorf("mcp: ask_about_patient: %w", err)
	}
	return TextAnswer{Text: text}, nil
}
