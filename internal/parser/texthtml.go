package parser

import (
	"html"
	"regexp"
	"strings"

	"mvdan.cc/xurls/v2"
)

var (
	linkPattern      = xurls.Strict()
	paragraphPattern = regexp.MustCompile(`\n\s*\n`)
)

// TextToHTML renders a plain-text body as HTML: text is escaped, URLs become
// links, blank lines separate paragraphs and single newlines become <br/>.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	paragraphs := paragraphPattern.Split(text, -1)
	var b strings.Builder
	for _, p := range paragraphs {
		lines := strings.Split(p, "\n")
		for i, line := range lines {
			lines[i] = linkify(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br/>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// linkify escapes line and wraps every URL in an anchor.
func linkify(line string) string {
	matches := linkPattern.FindAllStringIndex(line, -1)
	if len(matches) == 0 {
		return html.EscapeString(line)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(html.EscapeString(line[last:m[0]]))
		u := html.EscapeString(line[m[0]:m[1]])
		b.WriteString(`<a href="` + u + `">` + u + `</a>`)
		last = m[1]
	}
	b.WriteString(html.EscapeString(line[last:]))
	return b.String()
}
