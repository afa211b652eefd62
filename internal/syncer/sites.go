package syncer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// lastModifiedKey is the bookkeeping marker older clients mixed into
// character-indexed site objects.
const lastModifiedKey = "_lastModified"

// RepairLegacySiteEntry turns one element of a persisted sites list into a
// site name. Strings pass through unchanged. Objects produced by an older
// protocol that spread a string into per-character entries
// ({"0":"S","1":"i",...}) are reassembled from their numeric keys in
// ascending order, ignoring the _lastModified marker and any other
// non-numeric key. Anything else yields ok == false.
func RepairLegacySiteEntry(entry any) (site string, ok bool) {
	switch v := entry.(type) {
	case string:
		return v, true
	case map[string]any:
		type char struct {
			idx int
			s   string
		}
		chars := make([]char, 0, len(v))
		for k, c := range v {
			if k == lastModifiedKey {
				continue
			}
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 {
				continue
			}
			chars = append(chars, char{idx: idx, s: charString(c)})
		}
		if len(chars) == 0 {
			return "", false
		}
		sort.Slice(chars, func(i, j int) bool { return chars[i].idx < chars[j].idx })

		var b strings.Builder
		for _, c := range chars {
			b.WriteString(c.s)
		}
		return b.String(), true
	}
	return "", false
}

// SanitizeSites collapses a persisted sites payload into a clean,
// de-duplicated list of names, repairing character-indexed entries and
// dropping empty, "undefined" and "null" values. First occurrence wins.
func SanitizeSites(payload any) []string {
	out := []string{}
	seen := map[string]bool{}

	for _, entry := range collapse(payload) {
		site, ok := RepairLegacySiteEntry(entry)
		if !ok || droppedSite(site) || seen[site] {
			continue
		}
		seen[site] = true
		out = append(out, site)
	}
	return out
}

func droppedSite(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "undefined", "null":
		return true
	}
	return false
}

// collapse normalizes a payload to a list. Objects keyed by position (what
// an array becomes after a lossy round trip) are read in key order.
func collapse(payload any) []any {
	switch v := payload.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			if k != lastModifiedKey {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool { return positionLess(keys[i], keys[j]) })
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	default:
		return []any{v}
	}
}

// positionLess orders numeric keys numerically, before any other keys.
func positionLess(a, b string) bool {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		return ai < bi
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}

func charString(c any) string {
	switch v := c.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
