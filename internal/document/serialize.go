package document

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"memory-docs/internal/globalconst"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var inlineFlags = regexp.MustCompile(`^\(\?([imsU]+)\)`)

// Serialize encodes a document for the backing store. Dates become {"$$date": millis},
// regular expressions become {"$$regex": "/pattern/flags"} and undefined fields are dropped.
func Serialize(doc Document) ([]byte, error) {
	raw, err := json.Marshal(toWire(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document %q: %w", ID(doc), err)
	}
	return raw, nil
}

// Deserialize is the inverse of Serialize. Numbers come back as float64.
func Deserialize(raw []byte) (Document, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	out, err := fromWire(data)
	if err != nil {
		return nil, err
	}
	doc, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to deserialize document: top level is %T", out)
	}
	return doc, nil
}

// ToWire exposes the marker encoding for callers that marshal values themselves.
func ToWire(v any) any { return toWire(v) }

// FromWire decodes marker objects produced by ToWire.
func FromWire(v any) (any, error) { return fromWire(v) }

func toWire(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			if IsUndefined(el) {
				continue
			}
			out[k] = toWire(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			if IsUndefined(el) {
				out[i] = nil
				continue
			}
			out[i] = toWire(el)
		}
		return out
	case time.Time:
		return map[string]any{globalconst.DateMarker: t.UnixMilli()}
	case *regexp.Regexp:
		return map[string]any{globalconst.RegexMarker: RegexString(t)}
	default:
		return v
	}
}

func fromWire(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if ms, ok := t[globalconst.DateMarker].(float64); ok {
				return time.UnixMilli(int64(ms)), nil
			}
			if s, ok := t[globalconst.RegexMarker].(string); ok {
				return ParseRegex(s)
			}
		}
		for k, el := range t {
			dec, err := fromWire(el)
			if err != nil {
				return nil, err
			}
			t[k] = dec
		}
		return t, nil
	case []any:
		for i, el := range t {
			dec, err := fromWire(el)
			if err != nil {
				return nil, err
			}
			t[i] = dec
		}
		return t, nil
	default:
		return v, nil
	}
}

// RegexString renders re as "/pattern/flags", lifting leading inline flags out of the pattern.
func RegexString(re *regexp.Regexp) string {
	src := re.String()
	flags := ""
	if m := inlineFlags.FindStringSubmatch(src); m != nil {
		flags = m[1]
		src = src[len(m[0]):]
	}
	return "/" + src + "/" + flags
}

// ParseRegex compiles a "/pattern/flags" string produced by RegexString.
func ParseRegex(s string) (*regexp.Regexp, error) {
	last := strings.LastIndex(s, "/")
	if !strings.HasPrefix(s, "/") || last <= 0 {
		return nil, fmt.Errorf("malformed regex literal %q", s)
	}
	pattern, flags := s[1:last], s[last+1:]
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("malformed regex literal %q: %w", s, err)
	}
	return re, nil
}
