package ap

import (
	"strings"

	"golang.org/x/net/html"
)

// Tags allowed to survive in remote content. Everything else is dropped,
// keeping its text.
var allowedTags = map[string]bool{
	"p":    true,
	"br":   true,
	"a":    true,
	"span": true,
}

var allowedAttrs = map[string]bool{
	"href": true,
	"rel":  true,
}

// SanitizeContent strips remote HTML down to a small allow-list of tags
// before it is stored or re-served. Unknown tags are removed but their
// text is kept; attributes other than link targets are dropped.
func SanitizeContent(content string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(content))

	var out strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return out.String()

		case html.TextToken:
			out.WriteString(html.EscapeString(string(tokenizer.Text())))

		case html.StartTagToken:
			name, hasAttr := tokenizer.TagName()
			tag := string(name)
			if !allowedTags[tag] {
				continue
			}
			out.WriteString("<" + tag)
			for hasAttr {
				var key, value []byte
				key, value, hasAttr = tokenizer.TagAttr()
				if allowedAttrs[string(key)] {
					out.WriteString(" " + string(key) + `="` + html.EscapeString(string(value)) + `"`)
				}
			}
			out.WriteString(">")

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if allowedTags[string(name)] {
				out.WriteString("</" + string(name) + ">")
			}

		case html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if allowedTags[string(name)] {
				out.WriteString("<" + string(name) + "/>")
			}
		}
	}
}
