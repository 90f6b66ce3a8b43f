// Package refdoc resolves reference documents for a subject and chapter.
// Authors name chapters loosely, so resolution runs three passes over the
// index: exact slug lookup, keyword overlap, then Levenshtein similarity.
package refdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"readerforge/internal/artifact"
	"readerforge/internal/logging"
)

const (
	// keywordOverlapThreshold accepts a candidate when this share of the
	// query's keywords appear in its slug.
	keywordOverlapThreshold = 0.7

	// levenshteinThreshold accepts a candidate whose normalized edit
	// similarity to the query slug is at least this.
	levenshteinThreshold = 0.8
)

// Document is one resolved reference document.
type Document struct {
	Subject string
	Chapter string // slug form
	Path    string
	Content string
}

// Resolver indexes reference documents under a root directory laid out as
// <root>/<subject>/<chapter-slug>.md.
type Resolver struct {
	root  string
	index map[string][]indexEntry // lowercase subject -> entries
}

type indexEntry struct {
	slug     string
	keywords map[string]bool
	path     string
}

// NewResolver scans root and builds the index. A missing root yields an
// empty resolver: lookups miss instead of erroring.
func NewResolver(root string) (*Resolver, error) {
	r := &Resolver{root: root, index: make(map[string][]indexEntry)}

	subjects, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading reference root %s: %w", root, err)
	}

	for _, subj := range subjects {
		if !subj.IsDir() {
			continue
		}
		subject := strings.ToLower(subj.Name())
		docs, err := os.ReadDir(filepath.Join(root, subj.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading subject dir %s: %w", subj.Name(), err)
		}
		for _, doc := range docs {
			if doc.IsDir() || !strings.HasSuffix(doc.Name(), ".md") {
				continue
			}
			slug := artifact.Slugify(strings.TrimSuffix(doc.Name(), ".md"))
			r.index[subject] = append(r.index[subject], indexEntry{
				slug:     slug,
				keywords: slugKeywords(slug),
				path:     filepath.Join(root, subj.Name(), doc.Name()),
			})
		}
		sort.Slice(r.index[subject], func(i, j int) bool {
			return r.index[subject][i].slug < r.index[subject][j].slug
		})
	}

	logging.Get(logging.CategoryRefDoc).Info("indexed %d subject(s) under %s", len(r.index), root)
	return r, nil
}

// Resolve finds the reference document for a subject and chapter, or nil
// when nothing clears the thresholds.
func (r *Resolver) Resolve(subject, chapter string) (*Document, error) {
	entries := r.index[strings.ToLower(strings.TrimSpace(subject))]
	if len(entries) == 0 {
		return nil, nil
	}
	query := artifact.Slugify(chapter)

	entry, method := match(entries, query)
	if entry == nil {
		logging.Get(logging.CategoryRefDoc).Debug("no match for %s/%s", subject, query)
		return nil, nil
	}

	content, err := os.ReadFile(entry.path)
	if err != nil {
		return nil, fmt.Errorf("reading reference document %s: %w", entry.path, err)
	}
	logging.Get(logging.CategoryRefDoc).Debug("resolved %s/%s -> %s (%s)",
		subject, query, entry.slug, method)
	return &Document{
		Subject: subject,
		Chapter: entry.slug,
		Path:    entry.path,
		Content: string(content),
	}, nil
}

func match(entries []indexEntry, query string) (*indexEntry, string) {
	for i := range entries {
		if entries[i].slug == query {
			return &entries[i], "exact"
		}
	}

	queryKeywords := slugKeywords(query)
	if len(queryKeywords) > 0 {
		var best *indexEntry
		bestOverlap := 0.0
		for i := range entries {
			hits := 0
			for kw := range queryKeywords {
				if entries[i].keywords[kw] {
					hits++
				}
			}
			overlap := float64(hits) / float64(len(queryKeywords))
			if overlap > bestOverlap {
				bestOverlap = overlap
				best = &entries[i]
			}
		}
		if bestOverlap >= keywordOverlapThreshold {
			return best, "keyword"
		}
	}

	var best *indexEntry
	bestSim := 0.0
	for i := range entries {
		sim := similarity(query, entries[i].slug)
		if sim > bestSim {
			bestSim = sim
			best = &entries[i]
		}
	}
	if bestSim >= levenshteinThreshold {
		return best, "levenshtein"
	}
	return nil, ""
}

// refdocStopwords drop from slug keywords; chapter titles carry filler.
var refdocStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "its": true,
	"introduction": true, "chapter": true,
}

func slugKeywords(slug string) map[string]bool {
	keywords := make(map[string]bool)
	for _, part := range strings.Split(slug, "-") {
		if len(part) >= 3 && !refdocStopwords[part] {
			keywords[part] = true
		}
	}
	return keywords
}

// similarity is 1 - editDistance/maxLen, in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
