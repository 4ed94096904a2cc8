package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring"
)

// MemoryEngine is the default in-process engine: per-type posting
// lists over roaring bitmaps, term-frequency scoring, no persistence.
// It rebuilds naturally at boot as the store replays its rows.
type MemoryEngine struct {
	mu    sync.RWMutex
	types map[string]*typeIndex
}

type typeIndex struct {
	ords     map[string]uint32
	names    []string
	live     *roaring.Bitmap
	postings map[string]*roaring.Bitmap
	docTerms map[uint32]map[string]int
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{types: make(map[string]*typeIndex)}
}

func (e *MemoryEngine) Available() bool { return true }

func tokenize(text string) map[string]int {
	terms := make(map[string]int)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		terms[word]++
	}
	return terms
}

func (e *MemoryEngine) typeIndexFor(docType string) *typeIndex {
	ti, ok := e.types[docType]
	if !ok {
		ti = &typeIndex{
			ords:     make(map[string]uint32),
			live:     roaring.New(),
			postings: make(map[string]*roaring.Bitmap),
			docTerms: make(map[uint32]map[string]int),
		}
		e.types[docType] = ti
	}
	return ti
}

func (ti *typeIndex) ordinal(localName string) uint32 {
	if ord, ok := ti.ords[localName]; ok {
		return ord
	}
	ord := uint32(len(ti.names))
	ti.ords[localName] = ord
	ti.names = append(ti.names, localName)
	return ord
}

func (ti *typeIndex) unpost(ord uint32) {
	for term := range ti.docTerms[ord] {
		if bm, ok := ti.postings[term]; ok {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(ti.postings, term)
			}
		}
	}
	delete(ti.docTerms, ord)
}

func (e *MemoryEngine) Index(_ context.Context, doc Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ti := e.typeIndexFor(doc.DocType)
	ord := ti.ordinal(doc.LocalName)
	ti.unpost(ord)
	terms := make(map[string]int)
	for _, text := range doc.Fields {
		for term, n := range tokenize(text) {
			terms[term] += n
		}
	}
	for term := range terms {
		bm, ok := ti.postings[term]
		if !ok {
			bm = roaring.New()
			ti.postings[term] = bm
		}
		bm.Add(ord)
	}
	ti.docTerms[ord] = terms
	ti.live.Add(ord)
	return nil
}

func (e *MemoryEngine) Remove(_ context.Context, docType, localName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ti, ok := e.types[docType]
	if !ok {
		return nil
	}
	ord, ok := ti.ords[localName]
	if !ok {
		return nil
	}
	ti.unpost(ord)
	ti.live.Remove(ord)
	return nil
}

func (e *MemoryEngine) Search(_ context.Context, q Query) ([]Hit, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	docTypes := q.DocTypes
	if len(docTypes) == 0 {
		for docType := range e.types {
			docTypes = append(docTypes, docType)
		}
		sort.Strings(docTypes)
	}

	var hits []Hit
	for _, docType := range docTypes {
		ti, ok := e.types[docType]
		if !ok {
			continue
		}
		// every term must match
		acc := ti.live.Clone()
		for term := range terms {
			bm, ok := ti.postings[term]
			if !ok {
				acc.Clear()
				break
			}
			acc.And(bm)
		}
		it := acc.Iterator()
		for it.HasNext() {
			ord := it.Next()
			score := 0
			for term := range terms {
				score += ti.docTerms[ord][term]
			}
			hits = append(hits, Hit{
				DocType:   docType,
				LocalName: ti.names[ord],
				Score:     float64(score),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocType != hits[j].DocType {
			return hits[i].DocType < hits[j].DocType
		}
		return hits[i].LocalName < hits[j].LocalName
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}
