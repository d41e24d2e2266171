package pipeline

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/archivist/pkg/models"
)

// mentionPattern matches user mentions in both the plain and nickname forms.
var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// DetectMentions returns a MentionEvent for every message in batch that
// references botID and was not written by it, in batch order.
func DetectMentions(batch []*models.Message, botID string) []models.MentionEvent {
	if botID == "" {
		return nil
	}
	var events []models.MentionEvent
	for _, m := range batch {
		if m == nil || m.AuthorID == botID || !mentions(m, botID) {
			continue
		}
		events = append(events, models.MentionEvent{
			Message:          m,
			IsDirectQuestion: IsDirectQuestion(StripMentions(m.Content, botID)),
		})
	}
	return events
}

// SelectScheduled picks the event the scheduled path answers: the latest one.
func SelectScheduled(events []models.MentionEvent) (models.MentionEvent, bool) {
	if len(events) == 0 {
		return models.MentionEvent{}, false
	}
	return events[len(events)-1], true
}

func mentions(m *models.Message, botID string) bool {
	for _, id := range m.Mentions {
		if id == botID {
			return true
		}
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(m.Content, -1) {
		if match[1] == botID {
			return true
		}
	}
	return false
}

// StripMentions removes mentions of botID and collapses surrounding space.
func StripMentions(content, botID string) string {
	out := mentionPattern.ReplaceAllStringFunc(content, func(s string) string {
		if mentionPattern.FindStringSubmatch(s)[1] == botID {
			return " "
		}
		return s
	})
	return strings.Join(strings.Fields(out), " ")
}

// IsDirectQuestion reports whether text reads as an explicit question.
func IsDirectQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}
