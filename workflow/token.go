package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Substitution tokens reference dependency results from inside params
// strings: ${TASK_ID.PATH}. PATH is a dot-and-bracket sequence over the
// referenced result tree (identifiers joined by dots, [n] indexes attached
// directly): ${extract.items[0].name}. A bare ${task} references the whole
// result mapping. $${ escapes a literal ${.

var taskIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidTaskID reports whether id is usable as a task identifier. Task ids
// appear inside substitution tokens and store keys, so the charset is tight:
// an identifier of letters, digits, '-' and '_' starting with a letter or
// underscore.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// Segment is one step of a token path: either a mapping key or a
// sequence index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// String returns the segment in path notation.
func (s Segment) String() string {
	if s.IsIndex {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return s.Key
}

// Token is one parsed ${...} occurrence inside a params string.
type Token struct {
	// Raw is the full token text including the ${ } delimiters.
	Raw string

	// Pos is the byte offset of Raw in the scanned string.
	Pos int

	// TaskID is the referenced task.
	TaskID string

	// Path addresses into the referenced task's result. Empty means the
	// whole result mapping.
	Path []Segment
}

// String returns the token's raw form.
func (t Token) String() string {
	return t.Raw
}

// PathString returns the path portion in source notation.
func (t Token) PathString() string {
	var b strings.Builder
	for i, seg := range t.Path {
		if !seg.IsIndex && i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.String())
	}
	return b.String()
}

// parseTokenBody parses the text between ${ and }.
func parseTokenBody(raw, body string) (Token, error) {
	tok := Token{Raw: raw}
	if body == "" {
		return tok, fmt.Errorf("empty substitution token")
	}

	// The task id runs to the first '.' or '['.
	rest := body
	idEnd := len(rest)
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' || rest[i] == '[' {
			idEnd = i
			break
		}
	}
	tok.TaskID = rest[:idEnd]
	if !ValidTaskID(tok.TaskID) {
		return tok, fmt.Errorf("invalid task reference %q in %q", tok.TaskID, raw)
	}
	rest = rest[idEnd:]

	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			j := 0
			for j < len(rest) && rest[j] != '.' && rest[j] != '[' {
				j++
			}
			key := rest[:j]
			if key == "" || !identPattern.MatchString(key) {
				return tok, fmt.Errorf("invalid path segment %q in %q", key, raw)
			}
			tok.Path = append(tok.Path, Segment{Key: key})
			rest = rest[j:]
		case '[':
			close := strings.IndexByte(rest, ']')
			if close < 0 {
				return tok, fmt.Errorf("unclosed index bracket in %q", raw)
			}
			idx, err := strconv.Atoi(rest[1:close])
			if err != nil || idx < 0 {
				return tok, fmt.Errorf("invalid index %q in %q", rest[1:close], raw)
			}
			tok.Path = append(tok.Path, Segment{Index: idx, IsIndex: true})
			rest = rest[close+1:]
		default:
			return tok, fmt.Errorf("unexpected character %q in %q", rest[0], raw)
		}
	}
	return tok, nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ScanTokens finds every substitution token in s. Malformed tokens
// (unterminated, bad path syntax) are reported as errors so documents fail
// at ingestion rather than at dispatch.
func ScanTokens(s string) ([]Token, error) {
	var tokens []Token
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], "${")
		if j < 0 {
			break
		}
		start := i + j
		if start > 0 && s[start-1] == '$' {
			// $${ escape: literal ${
			i = start + 2
			continue
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated substitution token at %q", s[start:])
		}
		raw := s[start : start+end+1]
		tok, err := parseTokenBody(raw, s[start+2:start+end])
		if err != nil {
			return nil, err
		}
		tok.Pos = start
		tokens = append(tokens, tok)
		i = start + end + 1
	}
	return tokens, nil
}

// HasTokens is a cheap check used before full scanning.
func HasTokens(s string) bool {
	return strings.Contains(s, "${")
}

// unescape rewrites $${ escapes after token splicing.
func unescape(s string) string {
	return strings.ReplaceAll(s, "$${", "${")
}

// SpliceTokens evaluates every token in s via eval and splices the results.
// A string that is exactly one token yields the referenced value unchanged,
// preserving its type; otherwise values are stringified lexically (compact
// JSON for mappings and sequences) into the surrounding text.
func SpliceTokens(s string, eval func(Token) (any, error)) (any, error) {
	tokens, err := ScanTokens(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return unescape(s), nil
	}
	if len(tokens) == 1 && tokens[0].Raw == s {
		return eval(tokens[0])
	}

	var b strings.Builder
	prev := 0
	for _, tok := range tokens {
		b.WriteString(s[prev:tok.Pos])
		val, err := eval(tok)
		if err != nil {
			return nil, err
		}
		str, err := stringify(val)
		if err != nil {
			return nil, fmt.Errorf("stringify %s: %w", tok.Raw, err)
		}
		b.WriteString(str)
		prev = tok.Pos + len(tok.Raw)
	}
	b.WriteString(s[prev:])
	return unescape(b.String()), nil
}

// stringify renders a resolved value for splicing into surrounding text.
func stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// EvalPath walks a result tree along the token path. Missing keys and
// out-of-range indexes yield field_not_found naming the keys available at
// the last node that did resolve.
func EvalPath(tok Token, root any) (any, error) {
	current := root
	for i, seg := range tok.Path {
		if seg.IsIndex {
			seq, ok := current.([]any)
			if !ok {
				return nil, Errorf(CodeFieldNotFound,
					"%s: segment %s indexes a %s, not a sequence", tok.Raw, seg, typeName(current))
			}
			if seg.Index >= len(seq) {
				return nil, Errorf(CodeFieldNotFound,
					"%s: index %d out of range (length %d)", tok.Raw, seg.Index, len(seq))
			}
			current = seq[seg.Index]
			continue
		}
		mapping, ok := asMap(current)
		if !ok {
			return nil, Errorf(CodeFieldNotFound,
				"%s: segment %q selects into a %s, not a mapping", tok.Raw, seg.Key, typeName(current))
		}
		next, ok := mapping[seg.Key]
		if !ok {
			return nil, Errorf(CodeFieldNotFound,
				"%s: field %q not found at %s, available keys: %s",
				tok.Raw, seg.Key, pathPrefix(tok, i), availableKeys(mapping))
		}
		current = next
	}
	return current, nil
}

func asMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case Params:
		return map[string]any(val), true
	default:
		return nil, false
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, uint, uint64:
		return "number"
	case []any:
		return "sequence"
	case map[string]any, Params:
		return "mapping"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func pathPrefix(tok Token, upto int) string {
	if upto == 0 {
		return tok.TaskID
	}
	var b strings.Builder
	b.WriteString(tok.TaskID)
	for _, seg := range tok.Path[:upto] {
		if !seg.IsIndex {
			b.WriteByte('.')
		}
		b.WriteString(seg.String())
	}
	return b.String()
}

func availableKeys(m map[string]any) string {
	if len(m) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
