package services

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"streamhub/internal/core/domain"
	"streamhub/pkg/utils"

	"golang.org/x/text/unicode/norm"
)

// emojiShortcodes is the fixed table used to shorten emoji runs.
var emojiShortcodes = map[rune]string{
	'😀': ":grin:",
	'😂': ":joy:",
	'😍': ":heart_eyes:",
	'😭': ":sob:",
	'😮': ":wow:",
	'😡': ":rage:",
	'👍': ":+1:",
	'👎': ":-1:",
	'👏': ":clap:",
	'🙏': ":pray:",
	'🔥': ":fire:",
	'💯': ":100:",
	'🎉': ":tada:",
	'❤': ":heart:",
	'💖': ":sparkling_heart:",
	'💰': ":moneybag:",
	'💸': ":money_wings:",
	'🚀': ":rocket:",
	'👀': ":eyes:",
	'🤣': ":rofl:",
}

// minShortcodeRun is the shortest run of one emoji that is collapsed into a
// counted short code (":fire:x3"). Shorter runs keep the glyphs.
const minShortcodeRun = 3

type MessageOptimizer struct {
	maxRunes   int
	shortcodes bool
}

func NewMessageOptimizer(maxRunes int, shortcodes bool) *MessageOptimizer {
	return &MessageOptimizer{maxRunes: maxRunes, shortcodes: shortcodes}
}

// Optimize normalizes a chat body and returns it with its size metadata.
// The length cap is applied to the optimized text, counted in code points.
func (o *MessageOptimizer) Optimize(text string) (string, domain.TextMetadata) {
	meta := domain.TextMetadata{
		OriginalBytes: len(text),
		OriginalRunes: utf8.RuneCountInString(text),
	}

	out := norm.NFC.String(utils.SanitizeString(text))
	if o.shortcodes {
		var changed bool
		out, changed = collapseEmojiRuns(out)
		meta.Shortcoded = changed
	}
	out, meta.Truncated = utils.TruncateRunes(out, o.maxRunes)

	meta.OptimizedBytes = len(out)
	meta.OptimizedRunes = utf8.RuneCountInString(out)
	return out, meta
}

func collapseEmojiRuns(s string) (string, bool) {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	changed := false
	for i := 0; i < len(runes); {
		r := runes[i]
		j := i + 1
		for j < len(runes) && runes[j] == r {
			j++
		}

		code, known := emojiShortcodes[r]
		if n := j - i; known && n >= minShortcodeRun {
			b.WriteString(code)
			b.WriteByte('x')
			b.WriteString(strconv.Itoa(n))
			changed = true
		} else {
			for k := i; k < j; k++ {
				b.WriteRune(r)
			}
		}
		i = j
	}
	return b.String(), changed
}
