package memory

import "time"

// Conversation is the metadata and transcript of one dispatched segment.
type Conversation struct {
	// ID uniquely identifies the conversation (a UUID).
	ID string

	// PatientID is the person the system is remembering for.
	PatientID string

	// TrackID is the source track the segment was captured from.
	TrackID string

	// Speaker is the resolved identity of the track's participant.
	Speaker string

	StartTime time.Time
	EndTime   time.Time

	// Transcript is the text returned by the transcription provider.
	Transcript string

	// AudioPath is where the segment's WAV was archived. Empty when archiving
	// is disabled.
	AudioPath string
}

// ClinicalFields are the structured observations extracted for caregivers.
type ClinicalFields struct {
	CaregiverSummary string   `json:"caregiver_summary"`
	KeyPeople        []string `json:"key_people"`
	KeyEvents        []string `json:"key_events"`
	TopicsDiscussed  []string `json:"topics_discussed"`
	PatientMood      string   `json:"patient_mood"`
	CognitiveState   string   `json:"cognitive_state"`
	KeyConcerns      []string `json:"key_concerns"`
}

// Summary is the generated description of a [Conversation].
type Summary struct {
	ID             string
	ConversationID string
	GeneratedAt    time.Time

	// SimpleSummary is written for the patient: short, warm, second person.
	SimpleSummary string

	Clinical ClinicalFields

	// Embedding of SimpleSummary, or nil when no embeddings provider is set.
	Embedding []float32
}

// Record pairs a conversation with its summary.
type Record struct {
	Conversation Conversation
	Summary      Summary
}

// ScoredRecord is a search hit. Distance is the cosine distance to the query
// (0 is identical).
type ScoredRecord struct {
	Record
	Distance float64
}
