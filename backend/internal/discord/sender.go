package discord

import (
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "mochigami/backend/pkg/errors"

	"mochigami/backend/internal/constants"
)

const fenceClose = "\n```"

// send posts content to a channel and logs failures
func (h *Handler) send(api API, channelID, content string) {
	if _, err := api.ChannelMessageSend(channelID, content); err != nil {
		h.logger.Error("Failed to send message",
			zap.Error(apperrors.NewDiscordMessageSendFailed(channelID, err)),
			zap.String("channel_id", channelID),
		)
	}
}

// sendLong posts content, splitting it across several messages when it
// exceeds Discord's length limit.
func (h *Handler) sendLong(api API, channelID, content string) {
	chunks := splitMessage(content, constants.DiscordMaxMessageLength)
	for i, chunk := range chunks {
		if _, err := api.ChannelMessageSend(channelID, chunk); err != nil {
			h.logger.Error("Failed to send message chunk",
				zap.Error(err),
				zap.String("channel_id", channelID),
				zap.Int("chunk", i+1),
				zap.Int("total_chunks", len(chunks)),
			)
			return
		}
		if i < len(chunks)-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// splitMessage breaks content into chunks of at most maxLength characters,
// preferring line boundaries. A code block open at a split is closed and
// reopened with the same marker in the next chunk.
func splitMessage(content string, maxLength int) []string {
	if utf8.RuneCountInString(content) <= maxLength {
		return []string{content}
	}
	limit := maxLength - len(fenceClose)

	var chunks []string
	var cur strings.Builder
	curLen := 0
	fence := ""

	flush := func() {
		s := cur.String()
		if fence != "" {
			s += fenceClose
		}
		chunks = append(chunks, s)
		cur.Reset()
		curLen = 0
		if fence != "" {
			cur.WriteString(fence)
			curLen = utf8.RuneCountInString(fence)
		}
	}
	reopened := func() bool {
		return fence != "" && curLen == utf8.RuneCountInString(fence)
	}

	for _, line := range strings.Split(content, "\n") {
		marker := strings.HasPrefix(strings.TrimSpace(line), "```")
		rest := line
		for {
			sep := 0
			if curLen > 0 {
				sep = 1
			}
			n := utf8.RuneCountInString(rest)
			if curLen+sep+n <= limit {
				if sep == 1 {
					cur.WriteByte('\n')
				}
				cur.WriteString(rest)
				curLen += sep + n
				break
			}
			if curLen > 0 && !reopened() {
				flush()
				continue
			}
			// the line cannot fit on its own: hard cut it
			room := limit - curLen - sep
			r := []rune(rest)
			if sep == 1 {
				cur.WriteByte('\n')
			}
			cur.WriteString(string(r[:room]))
			curLen += sep + room
			rest = string(r[room:])
			flush()
			if rest == "" {
				break
			}
		}
		if marker {
			if fence == "" {
				fence = strings.TrimSpace(line)
			} else {
				fence = ""
			}
		}
	}
	if curLen > 0 && !reopened() {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
