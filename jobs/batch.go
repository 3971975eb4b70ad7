package jobs

import (
	"fmt"
	"strings"
)

// ParseBatch builds queued jobs from a list of names and a list of URLs.
//
// Both lists are split on '|', ';', ',' or newlines, except inside
// parentheses. A URL slot of the form "(u1, u2, ...)" is a group: its URLs
// share the slot's name, numbered "name 1", "name 2", ... When exactly one
// name is given for several URL slots, every URL gets that name with a single
// running number. Slots without a name are called "Untitled N".
func ParseBatch(names, urls string) []*Job {
	nameSlots := splitSlots(names)
	urlSlots := splitSlots(urls)

	var out []*Job
	if len(nameSlots) == 1 && len(urlSlots) > 1 {
		n := 1
		for _, slot := range urlSlots {
			for _, u := range expandGroup(slot) {
				out = append(out, NewJob(fmt.Sprintf("%s %d", nameSlots[0], n), u))
				n++
			}
		}
		return out
	}

	for i, slot := range urlSlots {
		base := fmt.Sprintf("Untitled %d", i+1)
		if i < len(nameSlots) {
			base = nameSlots[i]
		}
		group := expandGroup(slot)
		if len(group) == 1 {
			out = append(out, NewJob(base, group[0]))
			continue
		}
		for j, u := range group {
			out = append(out, NewJob(fmt.Sprintf("%s %d", base, j+1), u))
		}
	}
	return out
}

// splitSlots splits on separators that are not inside parentheses and drops
// empty parts.
func splitSlots(text string) []string {
	var (
		parts []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if p := strings.TrimSpace(cur.String()); p != "" {
			parts = append(parts, p)
		}
		cur.Reset()
	}
	for _, r := range text {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0 && (r == '|' || r == ';' || r == ',' || r == '\n'):
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return parts
}

// expandGroup turns "(a, b)" into [a b]; anything else is a single URL.
func expandGroup(slot string) []string {
	slot = strings.TrimSpace(slot)
	inner, ok := strings.CutPrefix(slot, "(")
	if !ok {
		return []string{slot}
	}
	inner, ok = strings.CutSuffix(inner, ")")
	if !ok {
		return []string{slot}
	}
	var out []string
	for _, p := range strings.Split(inner, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{slot}
	}
	return out
}
