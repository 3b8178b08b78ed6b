package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Match is the outcome of a shape matcher. Exactly one of Text or ErrMessage
// is meaningful; Text may be empty for frames that carry no content (a
// role-only delta, a usage trailer).
type Match struct {
	Shape      string
	Text       string
	ErrMessage string
}

// IsError reports whether the frame carried an upstream error object.
func (m Match) IsError() bool { return m.ErrMessage != "" }

// Shape recognizes one response layout. Matchers only read, so a failed
// match never consumes input.
type Shape struct {
	Name  string
	Match func(gjson.Result) (Match, bool)
}

// Shapes is the fixed dispatch order.
var Shapes = []Shape{
	{Name: "error-object", Match: matchErrorObject},
	{Name: "choice-delta", Match: matchChoiceDelta},
	{Name: "message", Match: matchMessage},
	{Name: "flat", Match: matchFlat},
}

// MatchFrame runs the shapes in order against data and returns the first hit.
func MatchFrame(data []byte) (Match, bool) {
	if !gjson.ValidBytes(data) {
		return Match{}, false
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Match{}, false
	}
	for _, s := range Shapes {
		if m, ok := s.Match(root); ok {
			m.Shape = s.Name
			return m, true
		}
	}
	return Match{}, false
}

// matchErrorObject handles {"error": {...}} and {"error": "..."} as well as
// the DashScope {"code": "...", "message": "..."} failure body.
func matchErrorObject(r gjson.Result) (Match, bool) {
	if r.Get("choices").Exists() || r.Get("output").Exists() {
		return Match{}, false
	}
	if e := r.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.String()
		if e.IsObject() {
			msg = e.Get("message").String()
			if msg == "" {
				msg = e.Raw
			}
		}
		if msg == "" {
			msg = "upstream reported an error"
		}
		return Match{ErrMessage: msg}, true
	}
	if code, msg := r.Get("code"), r.Get("message"); code.Exists() && msg.Exists() && code.String() != "" {
		return Match{ErrMessage: code.String() + ": " + msg.String()}, true
	}
	return Match{}, false
}

func matchChoiceDelta(r gjson.Result) (Match, bool) {
	delta := r.Get("choices.0.delta")
	if !delta.Exists() {
		return Match{}, false
	}
	return Match{Text: contentText(delta.Get("content"))}, true
}

func matchMessage(r gjson.Result) (Match, bool) {
	for _, path := range []string{"choices.0.message", "output.choices.0.message"} {
		if msg := r.Get(path); msg.Exists() {
			return Match{Text: contentText(msg.Get("content"))}, true
		}
	}
	return Match{}, false
}

func matchFlat(r gjson.Result) (Match, bool) {
	for _, path := range []string{"output.text", "content", "text"} {
		if v := r.Get(path); v.Exists() {
			if v.Type == gjson.String || v.IsArray() {
				return Match{Text: contentText(v)}, true
			}
		}
	}
	return Match{}, false
}

// contentText reads content given as a string or as [{"text": ...}] parts.
func contentText(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var b strings.Builder
		v.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Type == gjson.String {
				b.WriteString(t.String())
			}
			return true
		})
		return b.String()
	}
	return ""
}
