package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
)

// MaskUserID masks a user identifier, keeping the tail for correlation
// Example: "64f0c1a2b3c4d5e6f7a8b9c0" -> "******************a8b9c0"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultIDMaskLength)
}

// MaskMessageID masks a message ID. Temp ids keep their prefix so
// optimistic placeholders stay recognizable in logs.
func MaskMessageID(messageID string) string {
	if strings.HasPrefix(messageID, constants.TempIDPrefix) {
		return constants.TempIDPrefix + maskString(strings.TrimPrefix(messageID, constants.TempIDPrefix), 4)
	}
	return maskString(messageID, constants.DefaultIDMaskLength)
}

// MaskContent replaces message text with its length.
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(content))
}

// MaskName keeps the first letter of each word
// Example: "Ada Lovelace" -> "A** L*******"
func MaskName(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(r) + strings.Repeat("*", utf8.RuneCountInString(w[size:]))
	}
	return strings.Join(words, " ")
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields logrus.Fields) logrus.Fields {
	if fields == nil {
		return nil
	}

	masked := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "user_id", "userId", "receiver_id", "sender_id", "seen_by", "identifier":
			masked[k] = MaskUserID(s)
		case "message_id", "messageId", "temp_id", "id":
			masked[k] = MaskMessageID(s)
		case "content", "body":
			masked[k] = MaskContent(s)
		case "display_name", "name":
			masked[k] = MaskName(s)
		default:
			masked[k] = v
		}
	}
	return masked
}

// Hook masks identifiers and message text on every log entry.
type Hook struct{}

// NewHook returns a logrus hook applying MaskSensitiveFields.
func NewHook() *Hook {
	return &Hook{}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	entry.Data = MaskSensitiveFields(entry.Data)
	return nil
}
