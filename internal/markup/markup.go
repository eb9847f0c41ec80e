// Package markup converts the generic markdown produced by language models into
// the formatting dialect each messaging platform renders.
package markup

import "regexp"

// Dialect is a platform formatting subset.
type Dialect string

const (
	// WhatsApp renders *bold*, _italic_, ~strike~ and ```mono```.
	WhatsApp Dialect = "whatsapp"
	// Telegram is the legacy Bot API "Markdown" parse mode.
	Telegram Dialect = "telegram"
	// Plain has no formatting; markers are stripped.
	Plain Dialect = "plain"
)

var (
	boldStars     = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUnders    = regexp.MustCompile(`__([^_\n]+?)__`)
	strikeDouble  = regexp.MustCompile(`~~([^~\n]+?)~~`)
	strikeSingle  = regexp.MustCompile(`~([^~\n]+?)~`)
	heading       = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	bullet        = regexp.MustCompile(`(?m)^([ \t]*)[*-][ \t]+`)
	link          = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	fence         = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*\n)?(.+?)\n?```")
	inlineCode    = regexp.MustCompile("`([^`\n]+)`")
	singleStar    = regexp.MustCompile(`\*([^*\n]+?)\*`)
	wordUnderline = regexp.MustCompile(`(^|[^\w])_([^_\n]+?)_([^\w]|$)`)
)

// Convert rewrites text for the dialect. Unknown dialects return text unchanged.
func Convert(dialect Dialect, text string) string {
	switch dialect {
	case WhatsApp:
		return ToWhatsApp(text)
	case Telegram:
		return ToTelegram(text)
	case Plain:
		return ToPlain(text)
	default:
		return text
	}
}

// ToWhatsApp converts markdown to WhatsApp formatting.
func ToWhatsApp(text string) string {
	text = bullet.ReplaceAllString(text, "${1}• ")
	text = heading.ReplaceAllString(text, "*$1*")
	text = boldStars.ReplaceAllString(text, "*$1*")
	text = boldUnders.ReplaceAllString(text, "*$1*")
	text = strikeDouble.ReplaceAllString(text, "~$1~")
	text = link.ReplaceAllString(text, "$1 ($2)")
	return text
}

// ToTelegram converts markdown to Telegram legacy Markdown. Code fences
// collapse to inline code; links are kept since the parse mode renders them.
func ToTelegram(text string) string {
	text = bullet.ReplaceAllString(text, "${1}• ")
	text = heading.ReplaceAllString(text, "*$1*")
	text = boldStars.ReplaceAllString(text, "*$1*")
	text = boldUnders.ReplaceAllString(text, "*$1*")
	text = strikeDouble.ReplaceAllString(text, "~$1~")
	text = fence.ReplaceAllString(text, "`$1`")
	return text
}

// ToPlain strips markdown markers for platforms without rich text.
// Underscores inside words such as snake_case identifiers are kept.
func ToPlain(text string) string {
	text = bullet.ReplaceAllString(text, "${1}• ")
	text = heading.ReplaceAllString(text, "$1")
	text = fence.ReplaceAllString(text, "$1")
	text = inlineCode.ReplaceAllString(text, "$1")
	text = boldStars.ReplaceAllString(text, "$1")
	text = boldUnders.ReplaceAllString(text, "$1")
	text = strikeDouble.ReplaceAllString(text, "$1")
	text = strikeSingle.ReplaceAllString(text, "$1")
	text = singleStar.ReplaceAllString(text, "$1")
	text = stripUnderscores(text)
	text = link.ReplaceAllString(text, "$1 ($2)")
	return text
}

// stripUnderscores removes _italic_ markers. Adjacent matches share their
// boundary characters, so the pass repeats until stable.
func stripUnderscores(text string) string {
	for i := 0; i < 8; i++ {
		next := wordUnderline.ReplaceAllString(text, "$1$2$3")
		if next == text {
			break
		}
		text = next
	}
	return text
}
