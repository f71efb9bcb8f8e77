package parser

import (
	"encoding/json"
	"fmt"
	"maps"
	"mime"
	"slices"
	"strings"
)

// HeaderValue is a parsed header value. It is one of Text, Address, List or
// Params.
type HeaderValue interface {
	isHeaderValue()
}

// Text is an unstructured header value.
type Text string

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// List holds several values, such as an address list or a repeated header.
type List []HeaderValue

// Params is a value with MIME parameters, such as Content-Type.
type Params struct {
	Value  string            `json:"value"`
	Params map[string]string `json:"params,omitempty"`
}

func (Text) isHeaderValue()    {}
func (Address) isHeaderValue() {}
func (List) isHeaderValue()    {}
func (Params) isHeaderValue()  {}

// String returns "Name <address>" when a display name exists, else the bare
// address.
func (a Address) String() string {
	switch {
	case a.Name != "" && a.Address != "":
		return a.Name + " <" + a.Address + ">"
	case a.Address != "":
		return a.Address
	default:
		return a.Name
	}
}

// Flatten renders v as a single display string.
//
// Addresses become "Name <address>" or the bare address, lists are flattened
// element by element and joined with ", ", parameterized values use MIME
// syntax. Anything else is serialized as JSON, or formatted with fmt when
// that fails.
func Flatten(v HeaderValue) string {
	switch v := v.(type) {
	case nil:
		return ""
	case Text:
		return string(v)
	case Address:
		return v.String()
	case List:
		parts := make([]string, 0, len(v))
		for _, el := range v {
			if s := Flatten(el); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case Params:
		return v.format()
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprint(v)
	}
}

// FlattenAll flattens every value in h.
func FlattenAll(h map[string]HeaderValue) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = Flatten(v)
	}
	return out
}

func (p Params) format() string {
	if len(p.Params) == 0 {
		return p.Value
	}
	if s := mime.FormatMediaType(p.Value, p.Params); s != "" {
		return s
	}

	// FormatMediaType rejects values that are not valid media types, such
	// as a bare "inline" disposition with odd parameters.
	parts := []string{p.Value}
	for _, k := range slices.Sorted(maps.Keys(p.Params)) {
		parts = append(parts, k+"="+p.Params[k])
	}
	return strings.Join(parts, "; ")
}
