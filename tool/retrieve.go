package tool

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Retriever ranks tools by relevance to a free-text query.
type Retriever interface {
	Retrieve(query string, k int) []string
}

// Fingerprint renders the stable text a descriptor is indexed under.
func Fingerprint(d *Descriptor) string {
	var b strings.Builder
	b.WriteString(d.Category)
	b.WriteString(" | ")
	b.WriteString(d.Name)
	b.WriteString(" | ")
	b.WriteString(d.Description)
	b.WriteString(" |")
	for _, p := range d.Params() {
		b.WriteString(" ")
		b.WriteString(p.Name)
		b.WriteString(":")
		b.WriteString(string(p.SemanticType))
	}
	return b.String()
}

// LexicalIndex scores tools by IDF-weighted token overlap between the query
// and each fingerprint. An exact fingerprint match always ranks first.
type LexicalIndex struct {
	names        []string
	fingerprints map[string]string
	tokens       []map[string]struct{}
	idf          map[string]float64
}

// NewLexicalIndex indexes the given descriptors.
func NewLexicalIndex(descs []*Descriptor) *LexicalIndex {
	idx := &LexicalIndex{
		names:        make([]string, len(descs)),
		fingerprints: make(map[string]string, len(descs)),
		tokens:       make([]map[string]struct{}, len(descs)),
		idf:          map[string]float64{},
	}
	df := map[string]int{}
	for i, d := range descs {
		fp := Fingerprint(d)
		idx.names[i] = d.Name
		idx.fingerprints[fp] = d.Name
		set := tokenSet(fp)
		idx.tokens[i] = set
		for tok := range set {
			df[tok]++
		}
	}
	n := float64(len(descs))
	for tok, c := range df {
		idx.idf[tok] = math.Log(1 + n/float64(c))
	}
	return idx
}

// Retrieve implements Retriever.
func (idx *LexicalIndex) Retrieve(query string, k int) []string {
	if k <= 0 {
		return nil
	}

	type scored struct {
		name  string
		score float64
	}

	exact, hasExact := idx.fingerprints[query]
	q := tokenSet(query)

	var hits []scored
	for i, name := range idx.names {
		if hasExact && name == exact {
			hits = append(hits, scored{name: name, score: math.Inf(1)})
			continue
		}
		var s float64
		for tok := range q {
			if _, ok := idx.tokens[i][tok]; ok {
				s += idx.idf[tok]
			}
		}
		if s > 0 {
			hits = append(hits, scored{name: name, score: s})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].name < hits[j].name
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

var stopwords = map[string]bool{
	"the": true, "and": true, "of": true, "to": true, "for": true, "in": true,
	"on": true, "an": true, "is": true, "with": true, "by": true, "from": true,
	"me": true, "my": true, "it": true, "this": true, "that": true, "be": true,
}
