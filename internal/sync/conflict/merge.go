package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// Merge reconciles local and remote field by field and returns a new record.
// Neither input is modified.
//
// Every field of local except the immutable ones is considered. Equal values
// keep the remote copy. Differing arrays are unioned without duplicates,
// differing objects are shallow-merged with local keys taking precedence, and
// any other differing value takes the local side. Fields only remote has are
// kept. The timestamp field is set to now, or just past the newer input when
// now is not later than both.
func Merge(local, remote models.Record, rules Rules, now time.Time) models.Record {
	out := remote.Clone()
	if out == nil {
		out = models.Record{}
	}
	field := rules.Field()

	for k, lv := range local {
		if rules.immutable(k) || k == field {
			continue
		}
		rv, ok := remote[k]
		if !ok {
			out[k] = lv
			continue
		}
		if reflect.DeepEqual(lv, rv) {
			continue
		}
		out[k] = mergeValue(lv, rv)
	}

	stamp := now
	lt, lok := local.Timestamp(field)
	rt, rok := remote.Timestamp(field)
	latest := lt
	if rok && (!lok || rt.After(lt)) {
		latest = rt
	}
	if (lok || rok) && !stamp.After(latest) {
		stamp = latest.Add(time.Millisecond)
	}
	out.SetTimestamp(field, stamp)
	return out
}

func mergeValue(local, remote interface{}) interface{} {
	if la, ok := asSlice(local); ok {
		if ra, ok := asSlice(remote); ok {
			return union(la, ra)
		}
		return local
	}
	if lm, ok := asMap(local); ok {
		if rm, ok := asMap(remote); ok {
			merged := make(map[string]interface{}, len(lm)+len(rm))
			for k, v := range rm {
				merged[k] = v
			}
			for k, v := range lm {
				merged[k] = v
			}
			return merged
		}
	}
	return local
}

// union returns local's elements followed by remote's elements not already
// present, each value at most once.
func union(local, remote []interface{}) []interface{} {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]interface{}, 0, len(local)+len(remote))
	for _, list := range [][]interface{}{local, remote} {
		for _, v := range list {
			key := valueKey(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func valueKey(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}, models.Record, []interface{}:
		b, err := json.Marshal(v)
		if err == nil {
			return "j:" + string(b)
		}
	}
	return fmt.Sprintf("%T:%v", v, v)
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case models.Record:
		return m, true
	}
	return nil, false
}
