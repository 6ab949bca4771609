// Package summarize turns conversation transcripts into the summaries the
// patient and their caregivers read.
//
// [Summariser] produces both summaries of a single conversation: a short,
// warm, second-person text for the patient and a set of structured clinical
// fields for caregivers. The two prompts are independent and run
// concurrently; if either fails the whole call fails.
//
// [Reporter] answers questions over the stored history: the end-of-day recap
// read to the patient and free-form caregiver questions.
package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rememberme/internal/speaker"
	"github.com/MrWong99/rememberme/pkg/memory"
	"github.com/MrWong99/rememberme/pkg/provider/llm"
)

const (
	defaultTemperature    = 0.3
	defaultSimpleMaxToken = 300
)

// simplePrompt is the system prompt for the patient-facing summary.
const simplePrompt = `You are summarizing a conversation for a person with dementia.

Rules:
- Use simple, clear language (5th grade reading level)
- Use present tense and second person ("You spoke with...")
- Identify people with their relationship ("Sarah, your daughter")
- Focus on: who they talked to, what they discussed, future plans
- Keep it under 100 words
- Be warm and reassuring in tone

Known people:
%s`

// clinicalPrompt is the system prompt for the caregiver fields.
const clinicalPrompt = `You are assisting the caregiver of a person with dementia. Read the conversation transcript and extract clinically useful observations.

Only report what the transcript supports. Use empty strings or empty arrays when something is not mentioned.

Known people:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "caregiver_summary": "<two or three factual sentences>",
  "key_people": ["<name>"],
  "key_events": ["<event>"],
  "topics_discussed": ["<topic>"],
  "patient_mood": "<one or two words>",
  "cognitive_state": "<short observation about orientation, memory and coherence>",
  "key_concerns": ["<anything the caregiver should follow up on>"]
}`

// ErrEmptyTranscript is returned by [Summariser.Summarise] for blank input.
var ErrEmptyTranscript = errors.New("summarize: empty transcript")

// Option configures a [Summariser].
type Option func(*Summariser)

// WithClinicalProvider uses p for the clinical fields instead of the
// provider given to [New]. Useful when a stronger model should handle the
// structured extraction.
func WithClinicalProvider(p llm.Provider) Option {
	return func(s *Summariser) { s.clinical = p }
}

// WithTemperature sets the sampling temperature of both prompts. Default: 0.3.
func WithTemperature(t float64) Option {
	return func(s *Summariser) { s.temperature = t }
}

// WithRoster lets the prompts name people by their relationship.
func WithRoster(r *speaker.Roster) Option {
	return func(s *Summariser) { s.roster = r }
}

// Summariser generates the patient-facing and clinical summaries of a
// transcript. It is safe for concurrent use.
type Summariser struct {
	simple      llm.Provider
	clinical    llm.Provider
	temperature float64
	roster      *speaker.Roster
}

// New returns a Summariser backed by provider.
func New(provider llm.Provider, opts ...Option) *Summariser {
	s := &Summariser{
		simple:      provider,
		clinical:    provider,
		temperature: defaultTemperature,
		roster:      speaker.New(nil),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarise runs the simple and clinical prompts concurrently and combines
// their results. Only SimpleSummary and Clinical are set on the result.
func (s *Summariser) Summarise(ctx context.Context, speakerName, transcript string) (memory.Summary, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return memory.Summary{}, ErrEmptyTranscript
	}
	userMsg := formatTranscript(speakerName, transcript)
	people := s.roster.Describe()

	var (
		simple   string
		clinical memory.ClinicalFields
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := s.simple.Complete(gctx, llm.CompletionRequest{
			SystemPrompt: fmt.Sprintf(simplePrompt, people),
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: userMsg}},
			Temperature:  s.temperature,
			MaxTokens:    defaultSimpleMaxToken,
		})
		if err != nil {
			return fmt.Errorf("summarize: simple summary: %w", err)
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return errors.New("summarize: simple summary: empty response")
		}
		simple = strings.TrimSpace(resp.Content)
		return nil
	})
	g.Go(func() error {
		resp, err := s.clinical.Complete(gctx, llm.CompletionRequest{
			SystemPrompt: fmt.Sprintf(clinicalPrompt, people),
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: userMsg}},
			Temperature:  s.temperature,
			JSON:         true,
		})
		if err != nil {
			return fmt.Errorf("summarize: clinical fields: %w", err)
		}
		if resp == nil {
			return errors.New("summarize: clinical fields: empty response")
		}
		fields, err := ParseClinical(resp.Content)
		if err != nil {
			return err
		}
		clinical = fields
		return nil
	})
	if err := g.Wait(); err != nil {
		return memory.Summary{}, err
	}

	return memory.Summary{SimpleSummary: simple, Clinical: clinical}, nil
}

func formatTranscript(speakerName, transcript string) string {
	if speakerName == "" {
		return "Transcript:\n" + transcript
	}
	return fmt.Sprintf("Transcript (recorded from %s):\n%s", speakerName, transcript)
}

// ParseClinical decodes the clinical JSON object a model returned. Markdown
// code fences and prose around the object are tolerated; a reply without a
// JSON object is an error.
func ParseClinical(content string) (memory.ClinicalFields, error) {
	obj := extractObject(content)
	if obj == "" {
		return memory.ClinicalFields{}, errors.New("summarize: clinical fields: no JSON object in response")
	}
	var f memory.ClinicalFields
	if err := json.Unmarshal([]byte(obj), &f); err != nil {
		return memory.ClinicalFields{}, fmt.Errorf("summarize: clinical fields: %w", err)
	}
	f.KeyPeople = nonEmpty(f.KeyPeople)
	f.KeyEvents = nonEmpty(f.KeyEvents)
	f.TopicsDiscussed = nonEmpty(f.TopicsDiscussed)
	f.KeyConcerns = nonEmpty(f.KeyConcerns)
	return f, nil
}

// extractObject returns the outermost {...} span of s after stripping
// markdown fences, or "" when there is none.
func extractObject(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
