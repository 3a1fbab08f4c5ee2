package satellite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tagTimeLayout is ISO 8601 UTC with millisecond precision.
const tagTimeLayout = "2006-01-02T15:04:05.000Z"

// Tag identifies a single write event by a single node at a single moment.
type Tag struct {
	ClientID  string
	Timestamp time.Time
}

// NewTag builds the tag for a write by clientID at t.
func NewTag(clientID string, t time.Time) Tag {
	return Tag{ClientID: clientID, Timestamp: t.UTC().Truncate(time.Millisecond)}
}

// ParseTag decodes the "clientId@timestamp" string form.
func ParseTag(s string) (Tag, error) {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Tag{}, fmt.Errorf("malformed tag %q", s)
	}
	ts, err := time.Parse(tagTimeLayout, s[at+1:])
	if err != nil {
		return Tag{}, fmt.Errorf("malformed tag timestamp in %q: %w", s, err)
	}
	return Tag{ClientID: s[:at], Timestamp: ts}, nil
}

func (t Tag) String() string {
	return t.ClientID + "@" + t.Timestamp.UTC().Format(tagTimeLayout)
}

// Equal reports component-wise equality.
func (t Tag) Equal(o Tag) bool {
	return t.ClientID == o.ClientID && t.Timestamp.Equal(o.Timestamp)
}

// Tags is an unordered set of tags. Order is never semantically significant;
// equality is by contents.
type Tags []Tag

// Contains reports membership.
func (ts Tags) Contains(tag Tag) bool {
	for _, t := range ts {
		if t.Equal(tag) {
			return true
		}
	}
	return false
}

// Union returns the set union of ts and others.
func (ts Tags) Union(others Tags) Tags {
	out := make(Tags, 0, len(ts)+len(others))
	for _, t := range ts {
		if !out.Contains(t) {
			out = append(out, t)
		}
	}
	for _, t := range others {
		if !out.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// Difference returns ts \ others.
func (ts Tags) Difference(others Tags) Tags {
	out := make(Tags, 0, len(ts))
	for _, t := range ts {
		if !others.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// Equal reports set equality regardless of order or duplicates.
func (ts Tags) Equal(others Tags) bool {
	for _, t := range ts {
		if !others.Contains(t) {
			return false
		}
	}
	for _, t := range others {
		if !ts.Contains(t) {
			return false
		}
	}
	return true
}

// Strings returns the string form of every tag.
func (ts Tags) Strings() []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

// EncodeTags serializes a tag set as a JSON array of strings, the storage and
// wire representation.
func EncodeTags(ts Tags) string {
	if len(ts) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(ts.Strings())
	return string(data)
}

// DecodeTags parses the JSON array representation. An empty string decodes to
// the empty set.
func DecodeTags(s string) (Tags, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode tags %q: %w", s, err)
	}
	out := make(Tags, 0, len(raw))
	for _, r := range raw {
		tag, err := ParseTag(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, nil
}
