// Package render converts the structured "react" content of a mail-send
// request into HTML.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
)

// ErrMalformedContent is returned for content that cannot be rendered.
var ErrMalformedContent = errors.New("malformed structured content")

// Renderer turns structured content into an HTML string.
type Renderer interface {
	Render(ctx context.Context, content json.RawMessage) (string, error)
}

// Placeholder renders a component tree as a static outline rather than
// executing it. Strings render as escaped text. Objects render as a <div>
// tagged with the component type, with their children rendered recursively.
type Placeholder struct{}

// node is the serialized shape of a component element.
type node struct {
	Type  json.RawMessage            `json:"type"`
	Props map[string]json.RawMessage `json:"props"`
}

// Render implements Renderer.
func (Placeholder) Render(_ context.Context, content json.RawMessage) (string, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return "", fmt.Errorf("%w: empty", ErrMalformedContent)
	}

	var b strings.Builder
	if err := renderValue(&b, content, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

// maxDepth bounds recursion through nested children.
const maxDepth = 64

func renderValue(b *strings.Builder, raw json.RawMessage, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedContent, maxDepth)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedContent, err)
		}
		b.WriteString(html.EscapeString(s))
		return nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedContent, err)
		}
		for _, item := range items {
			if err := renderValue(b, item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case '{':
		return renderNode(b, raw, depth)
	case 'n':
		return nil
	default:
		if depth == 0 {
			return fmt.Errorf("%w: unsupported top-level value", ErrMalformedContent)
		}
		// Numbers and booleans inside a tree render as text.
		b.WriteString(html.EscapeString(string(raw)))
		return nil
	}
}

func renderNode(b *strings.Builder, raw json.RawMessage, depth int) error {
	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	component := componentName(n.Type)
	if component == "" {
		return fmt.Errorf("%w: element without a type", ErrMalformedContent)
	}

	b.WriteString(`<div data-component="` + html.EscapeString(component) + `"`)
	keys := make([]string, 0, len(n.Props))
	for k := range n.Props {
		if k != "children" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToLower(k)
		if !validAttrName(name) {
			continue
		}
		var s string
		if err := json.Unmarshal(n.Props[k], &s); err == nil {
			b.WriteString(` data-` + name + `="` + html.EscapeString(s) + `"`)
		}
	}
	b.WriteString(">")

	if children, ok := n.Props["children"]; ok {
		if err := renderValue(b, children, depth+1); err != nil {
			return err
		}
	}

	b.WriteString("</div>")
	return nil
}

// validAttrName reports whether name can follow "data-" as a single
// attribute name.
func validAttrName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

// componentName reads an element type, which is either a plain string or a
// serialized component reference carrying a name.
func componentName(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var ref struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(raw, &ref); err == nil {
		if ref.DisplayName != "" {
			return ref.DisplayName
		}
		return ref.Name
	}
	return ""
}
