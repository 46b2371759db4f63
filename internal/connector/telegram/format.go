package telegram

import (
	"html"
	"regexp"
	"strings"

	"github.com/h1v3-io/coworker/internal/connector"
)

// QuestionHTML renders a question card in Telegram's HTML subset.
func QuestionHTML(q connector.QuestionCard) string {
	asker := q.AskerName
	if asker == "" {
		asker = "A coworker"
	}
	var b strings.Builder
	b.WriteString("<b>New Question</b>\n<i>")
	b.WriteString(html.EscapeString(asker))
	b.WriteString(" needs your help with the following question:</i>\n\n")
	b.WriteString(renderQuestion(q.Text))
	b.WriteString("\n\nReply to this message to answer.")
	return b.String()
}

var (
	reBold = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reLink = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
)

// renderQuestion converts the Markdown agents put in questions (fenced
// blocks, `code`, **bold**, http links) to Telegram HTML. Everything else
// is escaped and passed through.
func renderQuestion(md string) string {
	var out []string
	var fence []string
	inFence := false

	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				out = append(out, "<pre>"+html.EscapeString(strings.Join(fence, "\n"))+"</pre>")
				fence = fence[:0]
			}
			inFence = !inFence
			continue
		}
		if inFence {
			fence = append(fence, line)
			continue
		}
		out = append(out, renderLine(line))
	}
	if inFence {
		// Unclosed fence: keep the text rather than drop it.
		out = append(out, "<pre>"+html.EscapeString(strings.Join(fence, "\n"))+"</pre>")
	}
	return strings.Join(out, "\n")
}

// renderLine handles inline code spans; an unmatched backtick is literal.
func renderLine(line string) string {
	parts := strings.Split(line, "`")
	if len(parts)%2 == 0 {
		// Odd number of backticks: rejoin the trailing one as text.
		parts[len(parts)-2] += "`" + parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}

	var b strings.Builder
	for i, p := range parts {
		if i%2 == 1 && p != "" {
			b.WriteString("<code>" + html.EscapeString(p) + "</code>")
			continue
		}
		if i%2 == 1 {
			b.WriteString("``")
			continue
		}
		s := html.EscapeString(p)
		s = reBold.ReplaceAllString(s, "<b>$1</b>")
		s = reLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
		b.WriteString(s)
	}
	return b.String()
}
