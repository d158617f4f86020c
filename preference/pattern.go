package preference

import (
	"fmt"
	"hash/fnv"
	"net/mail"
	"net/url"
	"sort"
	"strings"
)

// fieldWeights is the fixed weighting of checkpoint context fields. Only
// these fields participate in pattern matching; everything else in the
// context is ignored.
var fieldWeights = map[string]float64{
	"agent_type":      1.0,
	"checkpoint_name": 0.8,
	"recipient":       0.9,
	"channel":         0.7,
	"url":             0.8,
	"domain":          0.6,
	"action":          0.7,
}

// heuristicWeight is the fraction of a field's weight granted when the
// values differ but share a domain (URLs, email addresses).
const heuristicWeight = 0.7

// Pattern is the weighted subset of a checkpoint context plus a content-hash
// signature identifying it.
type Pattern struct {
	Fields    map[string]string `json:"fields"`
	Signature string            `json:"signature"`
}

// ExtractPattern builds a pattern from a checkpoint context: the weighted
// fields present in the context, stringified, plus an FNV signature of the
// sorted field set.
func ExtractPattern(context map[string]any) Pattern {
	fields := make(map[string]string)
	for name := range fieldWeights {
		if v, ok := context[name]; ok {
			fields[name] = fmt.Sprintf("%v", v)
		}
	}
	return Pattern{Fields: fields, Signature: signature(fields)}
}

// signature hashes the sorted k=v pairs of the weighted subset.
func signature(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(fields[k]))
		h.Write([]byte{';'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Similarity scores two patterns in [0,1] using the fixed field weights:
// an exact value match earns the full weight, a same-domain match on
// URL/email-shaped values earns heuristicWeight of it, anything else earns
// nothing. The denominator is the total weight of fields present in either
// pattern.
func Similarity(a, b Pattern) float64 {
	var total, matched float64
	seen := make(map[string]bool)

	score := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		w := fieldWeights[name]
		total += w

		av, aok := a.Fields[name]
		bv, bok := b.Fields[name]
		if !aok || !bok {
			return
		}
		switch {
		case av == bv:
			matched += w
		case sameDomain(av, bv):
			matched += w * heuristicWeight
		}
	}

	for name := range a.Fields {
		score(name)
	}
	for name := range b.Fields {
		score(name)
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

// sameDomain reports whether two values are URLs or email addresses sharing
// a host/domain.
func sameDomain(a, b string) bool {
	da, db := extractDomain(a), extractDomain(b)
	return da != "" && da == db
}

func extractDomain(v string) string {
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
	}
	if strings.Count(v, "@") == 1 {
		if addr, err := mail.ParseAddress(v); err == nil {
			if _, domain, ok := strings.Cut(addr.Address, "@"); ok {
				return strings.ToLower(domain)
			}
		}
		// Bare user@host without a display name.
		if _, domain, ok := strings.Cut(v, "@"); ok && !strings.ContainsAny(domain, " \t") {
			return strings.ToLower(domain)
		}
	}
	return ""
}
