package qalinker

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

var ErrInvalidIndexConfig = errors.New("invalid index configuration")

// SRPIndex is a signed random projection index, an approximate nearest
// neighbor index for cosine similarity.
//
// Each vector gets a signature of one bit per random hyperplane (the side
// of the plane it falls on). The signature is split into bands, and two
// vectors are candidates for each other when any band matches exactly.
// Vectors with a small angle between them agree on most bits, so they're
// likely to share at least one band.
//
// SRPIndex isn't safe for concurrent use.
type SRPIndex struct {
	dim       int
	bands     int
	bandWidth int
	planes    [][]float64

	// buckets[band][key] is the set of item IDs with that band key
	buckets []map[uint64]map[string]struct{}

	// keys tracks each item's band keys, for removal
	keys map[string][]uint64
}

// NewSRPIndex creates an index for vectors of the given dimension. The
// same seed always produces the same hyperplanes.
func NewSRPIndex(dim, planes, bands int, seed uint64) (*SRPIndex, error) {
	switch {
	case dim <= 0:
		return nil, fmt.Errorf("%w: dimension must be positive (got %d)", ErrInvalidIndexConfig, dim)
	case planes <= 0 || bands <= 0:
		return nil, fmt.Errorf(
			"%w: planes and bands must be positive (got %d planes, %d bands)",
			ErrInvalidIndexConfig, planes, bands,
		)
	case planes%bands != 0:
		return nil, fmt.Errorf(
			"%w: %d planes can't be split evenly into %d bands",
			ErrInvalidIndexConfig, planes, bands,
		)
	case planes/bands > 64:
		return nil, fmt.Errorf(
			"%w: bands can't be wider than 64 planes (got %d)",
			ErrInvalidIndexConfig, planes/bands,
		)
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	normals := make([][]float64, planes)
	for i := range normals {
		normals[i] = make([]float64, dim)
		for j := range normals[i] {
			normals[i][j] = rng.NormFloat64()
		}
	}

	buckets := make([]map[uint64]map[string]struct{}, bands)
	for i := range buckets {
		buckets[i] = map[uint64]map[string]struct{}{}
	}

	return &SRPIndex{
		dim:       dim,
		bands:     bands,
		bandWidth: planes / bands,
		planes:    normals,
		buckets:   buckets,
		keys:      map[string][]uint64{},
	}, nil
}

// bandKeys computes the band keys of vec. Within a band, the first
// plane's bit is the least significant.
func (s *SRPIndex) bandKeys(vec []float32) []uint64 {
	keys := make([]uint64, s.bands)
	for p, normal := range s.planes {
		var proj float64
		for j, x := range vec {
			proj += normal[j] * float64(x)
		}
		if proj >= 0 {
			band := p / s.bandWidth
			keys[band] |= 1 << uint(p%s.bandWidth)
		}
	}
	return keys
}

// Add indexes vec under id, replacing any existing entry for id
func (s *SRPIndex) Add(id string, vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf(
			"%w: index expects %d, got %d",
			ErrDimensionMismatch, s.dim, len(vec),
		)
	}
	s.Remove(id)

	keys := s.bandKeys(vec)
	for band, key := range keys {
		bucket, ok := s.buckets[band][key]
		if !ok {
			bucket = map[string]struct{}{}
			s.buckets[band][key] = bucket
		}
		bucket[id] = struct{}{}
	}
	s.keys[id] = keys
	return nil
}

// Remove drops id from the index. Unknown IDs are ignored.
func (s *SRPIndex) Remove(id string) {
	keys, ok := s.keys[id]
	if !ok {
		return
	}
	for band, key := range keys {
		bucket := s.buckets[band][key]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(s.buckets[band], key)
		}
	}
	delete(s.keys, id)
}

// Candidates returns the IDs sharing at least one band with vec, sorted.
// A vector of the wrong dimension has no candidates.
func (s *SRPIndex) Candidates(vec []float32) []string {
	if len(vec) != s.dim {
		return nil
	}
	seen := map[string]struct{}{}
	for band, key := range s.bandKeys(vec) {
		for id := range s.buckets[band][key] {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of indexed items
func (s *SRPIndex) Len() int {
	return len(s.keys)
}
