package nostr

import (
	"encoding/json"
	"strings"
)

// Filter is a REQ subscription filter. Since and Until are unix seconds;
// nil means unbounded. Tags maps a single-letter tag name ("e", "p") to
// the accepted values and is serialized as "#e", "#p".
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string
}

// Timestamp returns a pointer to t, for Filter.Since and Filter.Until.
func Timestamp(t int64) *int64 {
	return &t
}

// MarshalJSON implements json.Marshaler.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			var v int64
			err = json.Unmarshal(value, &v)
			f.Since = &v
		case key == "until":
			var v int64
			err = json.Unmarshal(value, &v)
			f.Until = &v
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether ev satisfies every constraint of the filter.
// Limit is not considered.
func (f Filter) Matches(ev Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		found := false
		for _, v := range ev.TagValues(name) {
			if containsString(values, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
