package webhook

import "context"

const TranscriptWebhookSchemaVersion = "2026-10-01"

type TranscriptWebhookSegment struct {
	Index      int    `json:"index"`
	StartAt    string `json:"start_at"`
	EndAt      string `json:"end_at"`
	Speaker    *int   `json:"speaker,omitempty"`
	Transcript string `json:"transcript"`
}

type TranscriptWebhookPayload struct {
	SchemaVersion      string                     `json:"schema_version"`
	SessionID          string                     `json:"session_id"`
	SessionKey         string                     `json:"session_key"`
	Language           string                     `json:"language"`
	Model              string                     `json:"model,omitempty"`
	StartAt            string                     `json:"start_at"`
	EndAt              string                     `json:"end_at"`
	Timezone           string                     `json:"timezone"`
	DurationSeconds    int64                      `json:"duration_seconds"`
	StopReason         string                     `json:"stop_reason"`
	SegmentCount       int                        `json:"segment_count"`
	TranscriptSegments []TranscriptWebhookSegment `json:"transcript_segments"`
	Transcript         string                     `json:"transcript"`
	TranscriptFilename string                     `json:"transcript_filename"`
	TranscriptText     string                     `json:"transcript_text"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptWebhookPayload) error
}
