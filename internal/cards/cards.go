// Package cards extracts structured travel cards from backend replies.
//
// Backend payloads arrive in loosely defined shapes: as JSON text, as decoded
// maps, or wrapped one or more levels deep under "response", "data" or
// "result". Each formatter locates its own target object and returns
// (nil, false) on any mismatch. Formatters never return errors.
package cards

import (
	"encoding/json"
	"strings"
)

// Kind identifies the card and doubles as the transcript message type.
type Kind string

const (
	KindJourney      Kind = "journey-card"
	KindPassengers   Kind = "passenger-list"
	KindBoardingPass Kind = "boarding-pass"
)

// Card is a structured, non-text transcript payload.
type Card interface {
	Kind() Kind
	// Prompt is the text shown ahead of the card, if any.
	Prompt() string
}

// Formatter builds a card from a raw backend reply.
type Formatter interface {
	Build(raw any) (Card, bool)
}

// Default returns the formatter set in evaluation order: journey, passenger
// list, boarding pass.
func Default() []Formatter {
	return []Formatter{JourneyFormatter{}, PassengerFormatter{}, BoardingPassFormatter{}}
}

// BuildAll runs every formatter against raw and returns the matches in order.
func BuildAll(formatters []Formatter, raw any) []Card {
	var out []Card
	for _, f := range formatters {
		if card, ok := f.Build(raw); ok {
			out = append(out, card)
		}
	}
	return out
}

var wrapperKeys = []string{"response", "data", "result"}

// unwrap parses raw into an object and descends through wrapper keys until
// isTarget accepts one. When nothing is accepted the top-level object is
// returned so formatters can still evaluate it.
func unwrap(raw any, isTarget func(map[string]any) bool) map[string]any {
	top, ok := asObject(raw)
	if !ok {
		return nil
	}
	if found := findTarget(top, isTarget, 0); found != nil {
		return found
	}
	return top
}

const maxDepth = 8

func findTarget(obj map[string]any, isTarget func(map[string]any) bool, depth int) map[string]any {
	if isTarget(obj) {
		return obj
	}
	if depth >= maxDepth {
		return nil
	}
	for _, key := range wrapperKeys {
		child, ok := asObject(obj[key])
		if !ok {
			continue
		}
		if found := findTarget(child, isTarget, depth+1); found != nil {
			return found
		}
	}
	return nil
}

func asObject(v any) (map[string]any, bool) {
	switch value := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return value, true
	case string:
		return decodeObject([]byte(strings.TrimSpace(value)))
	case []byte:
		return decodeObject(value)
	case json.RawMessage:
		return decodeObject(value)
	case bool, float64, int, int64, []any:
		return nil, false
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, false
		}
		return decodeObject(data)
	}
}

func decodeObject(data []byte) (map[string]any, bool) {
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// decodeInto re-encodes obj into a typed payload.
func decodeInto(obj map[string]any, target any) bool {
	data, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

func hasNonEmpty(obj map[string]any, key string) bool {
	v, ok := obj[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// stageMatches treats an absent discriminator as a match.
func stageMatches(got, want string) bool {
	return got == "" || got == want
}
