package protocol

import (
	"encoding/json"
	"strings"
)

// Filter selects envelopes from the log. Tag filters are keyed without the
// leading '#' and serialized as "#<key>".
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

func (f Filter) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for k, vs := range f.Tags {
		if len(vs) > 0 {
			m["#"+k] = vs
		}
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
	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for k, v := range raw {
		var err error
		switch {
		case k == "ids":
			err = json.Unmarshal(v, &f.IDs)
		case k == "authors":
			err = json.Unmarshal(v, &f.Authors)
		case k == "kinds":
			err = json.Unmarshal(v, &f.Kinds)
		case k == "since":
			var n int64
			err = json.Unmarshal(v, &n)
			f.Since = &n
		case k == "until":
			var n int64
			err = json.Unmarshal(v, &n)
			f.Until = &n
		case k == "limit":
			err = json.Unmarshal(v, &f.Limit)
		case strings.HasPrefix(k, "#") && len(k) > 1:
			var vs []string
			err = json.Unmarshal(v, &vs)
			if f.Tags == nil {
				f.Tags = map[string][]string{}
			}
			f.Tags[k[1:]] = vs
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether env satisfies every condition of f. Limit is not
// considered.
func (f Filter) Matches(env *Envelope) bool {
	if env == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, env.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, env.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == env.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && env.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && env.CreatedAt > *f.Until {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTagValue(env.Tags, key, values) {
			return false
		}
	}
	return true
}

func hasTagValue(tags Tags, key string, values []string) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != key {
			continue
		}
		if containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Int64 is a small helper for filter bounds.
func Int64(v int64) *int64 { return &v }
