package room

import (
	"reflect"
	"sort"
)

// NormalizeParticipants turns whatever participant collection a
// transport exposes into an ordered slice. Media SDKs disagree on the
// shape: some hand back a slice, some a map keyed by identity, some a
// single record. Callers iterate the result and never branch on shape.
//
// Map entries are ordered by key so the walk is deterministic. Values
// that are not Participant records are skipped rather than panicking.
func NormalizeParticipants(collection any) []Participant {
	if collection == nil {
		return nil
	}

	switch v := collection.(type) {
	case []Participant:
		out := make([]Participant, len(v))
		copy(out, v)
		return out
	case map[string]Participant:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Participant, 0, len(v))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	case Participant:
		return []Participant{v}
	case *Participant:
		if v == nil {
			return nil
		}
		return []Participant{*v}
	}

	// Fall back to reflection for slice/map shapes with foreign element
	// types (e.g. pointers, interface values).
	rv := reflect.ValueOf(collection)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Participant, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if p, ok := asParticipant(rv.Index(i)); ok {
				out = append(out, p)
			}
		}
		return out
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		byKey := make(map[string]Participant, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			p, ok := asParticipant(iter.Value())
			if !ok {
				continue
			}
			k, ok := iter.Key().Interface().(string)
			if !ok {
				k = p.ID
			}
			keys = append(keys, k)
			byKey[k] = p
		}
		sort.Strings(keys)
		out := make([]Participant, 0, len(keys))
		for _, k := range keys {
			out = append(out, byKey[k])
		}
		return out
	default:
		return nil
	}
}

// ForEachParticipant invokes fn exactly once per participant in the
// normalized collection.
func ForEachParticipant(collection any, fn func(Participant)) {
	if fn == nil {
		return
	}
	for _, p := range NormalizeParticipants(collection) {
		fn(p)
	}
}

func asParticipant(v reflect.Value) (Participant, bool) {
	if !v.IsValid() {
		return Participant{}, false
	}
	if v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return Participant{}, false
		}
		return asParticipant(v.Elem())
	}
	if p, ok := v.Interface().(Participant); ok {
		return p, true
	}
	return Participant{}, false
}
