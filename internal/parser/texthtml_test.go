package parser

import "testing"

func TestTextToHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", " \r\n ", ""},
		{"single line", "Hello", "<p>Hello</p>"},
		{"escapes markup", "a < b & c", "<p>a &lt; b &amp; c</p>"},
		{"line breaks", "one\r\ntwo", "<p>one<br/>two</p>"},
		{"paragraphs", "one\n\ntwo\n \nthree", "<p>one</p><p>two</p><p>three</p>"},
		{
			"links",
			"see https://example.com/a?b=1&c=2 now",
			`<p>see <a href="https://example.com/a?b=1&amp;c=2">https://example.com/a?b=1&amp;c=2</a> now</p>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TextToHTML(tt.text); got != tt.want {
				t.Errorf("TextToHTML(%q):\n got %q\nwant %q", tt.text, got, tt.want)
			}
		})
	}
}
