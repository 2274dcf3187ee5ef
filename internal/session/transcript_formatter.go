package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/koe-relay/internal/repository"
	"github.com/foxseedlab/koe-relay/internal/webhook"
)

// 変更容易性を高めるため、time.DateTime をあえて指定していない
const transcriptTimeLayout = "2006-01-02 15:04:05"

type transcriptMeta struct {
	SessionID  string
	SessionKey string
	Language   string
	Model      string
	StopReason string
}

func transcriptFilename(sessionID string) string {
	return fmt.Sprintf("transcript-%s.txt", sessionID)
}

func buildTranscriptText(meta transcriptMeta, startedAt, endedAt time.Time, timezone string, loc *time.Location, segments []repository.TranscriptSegment) []byte {
	startText := startedAt.In(safeLocation(loc)).Format(transcriptTimeLayout)
	endText := endedAt.In(safeLocation(loc)).Format(transcriptTimeLayout)

	lines := []string{
		fmt.Sprintf("セッション：%s", meta.SessionID),
		fmt.Sprintf("言語：%s", meta.Language),
		fmt.Sprintf("期間：%s ~ %s（%s）", startText, endText, timezone),
		"",
	}
	for _, seg := range segments {
		elapsed := seg.SpokenAt.Sub(startedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		if seg.Speaker != nil {
			lines = append(lines, fmt.Sprintf("%s [話者%d] %s", formatElapsedHMS(elapsed), *seg.Speaker, seg.Content))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s", formatElapsedHMS(elapsed), seg.Content))
	}
	return []byte(strings.Join(lines, "\n"))
}

func buildTranscriptWebhookPayload(meta transcriptMeta, startedAt, endedAt time.Time, timezone string, loc *time.Location, segments []repository.TranscriptSegment) webhook.TranscriptWebhookPayload {
	transcriptLines := make([]string, 0, len(segments))
	for _, seg := range segments {
		transcriptLines = append(transcriptLines, seg.Content)
	}

	durationSeconds := int64(endedAt.Sub(startedAt).Seconds())
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	return webhook.TranscriptWebhookPayload{
		SchemaVersion:      webhook.TranscriptWebhookSchemaVersion,
		SessionID:          meta.SessionID,
		SessionKey:         meta.SessionKey,
		Language:           meta.Language,
		Model:              meta.Model,
		StartAt:            startedAt.In(safeLocation(loc)).Format(time.RFC3339),
		EndAt:              endedAt.In(safeLocation(loc)).Format(time.RFC3339),
		Timezone:           timezone,
		DurationSeconds:    durationSeconds,
		StopReason:         meta.StopReason,
		SegmentCount:       len(segments),
		TranscriptSegments: buildTranscriptWebhookSegments(segments, endedAt, safeLocation(loc)),
		Transcript:         strings.Join(transcriptLines, "\n"),
		TranscriptFilename: transcriptFilename(meta.SessionID),
		TranscriptText:     string(buildTranscriptText(meta, startedAt, endedAt, timezone, loc, segments)),
	}
}

func buildTranscriptWebhookSegments(segments []repository.TranscriptSegment, sessionEndedAt time.Time, loc *time.Location) []webhook.TranscriptWebhookSegment {
	out := make([]webhook.TranscriptWebhookSegment, 0, len(segments))
	for i, seg := range segments {
		segmentEnd := sessionEndedAt
		if i+1 < len(segments) {
			segmentEnd = segments[i+1].SpokenAt
		}
		if segmentEnd.Before(seg.SpokenAt) {
			segmentEnd = seg.SpokenAt
		}
		out = append(out, webhook.TranscriptWebhookSegment{
			Index:      seg.SegmentIndex,
			StartAt:    seg.SpokenAt.In(loc).Format(time.RFC3339),
			EndAt:      segmentEnd.In(loc).Format(time.RFC3339),
			Speaker:    seg.Speaker,
			Transcript: seg.Content,
		})
	}
	return out
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
