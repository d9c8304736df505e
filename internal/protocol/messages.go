package protocol

import "time"

// AudioFrame represents PCM audio streamed over the bus. Final marks the end of
// the recording and stops the session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Timestamp pairs a recognized word with its offset in seconds from the start
// of the session.
type Timestamp struct {
	Word      string  `json:"word"`
	Timestamp float64 `json:"timestamp"`
}

// TranscriptEvent is the annotated result delivered to clients, the bus and
// the event store. Keywords and Timestamps are never null on the wire.
type TranscriptEvent struct {
	SessionID  string      `json:"session_id,omitempty"`
	Text       string      `json:"text"`
	Final      bool        `json:"final"`
	Keywords   []string    `json:"keywords"`
	Sentiment  float64     `json:"sentiment"`
	Timestamps []Timestamp `json:"timestamps"`
	Summary    string      `json:"summary,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Envelope is the websocket frame format in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// InboundEnvelope decodes client text frames; Data carries base64 audio for
// audio_chunk events.
type InboundEnvelope struct {
	Event string `json:"event"`
	Data  []byte `json:"data,omitempty"`
}

// SummaryRequest asks the summarizer to condense a transcript.
type SummaryRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SummaryResponse answers a SummaryRequest.
type SummaryResponse struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// ErrorResponse is the JSON body of failed HTTP requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	EventAudioChunk    = "audio_chunk"
	EventStopRecording = "stop_recording"
	EventTranscript    = "transcript"
	EventFinal         = "final"
	EventError         = "error"
)

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "scribe.transcript.partial"
	SubjectTranscriptFinal   = "scribe.transcript.final"
	SubjectSummaryRequest    = "scribe.summary.request"
)

// EventName returns the outbound websocket event for a transcript.
func (e TranscriptEvent) EventName() string {
	if e.Final {
		return EventFinal
	}
	return EventTranscript
}

// Subject returns the bus subject a transcript is published on.
func (e TranscriptEvent) Subject() string {
	if e.Final {
		return SubjectTranscriptFinal
	}
	return SubjectTranscriptPartial
}
