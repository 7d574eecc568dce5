package models

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// NormalSource supplies independent standard normal draws.
type NormalSource interface {
	Fill(dst []float64)
}

// RandSource draws from a seeded pseudo-random generator.
type RandSource struct {
	dist distuv.Normal
}

func NewRandSource(seed uint64) *RandSource {
	return &RandSource{
		dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
	}
}

func (s *RandSource) Fill(dst []float64) {
	for i := range dst {
		dst[i] = s.dist.Rand()
	}
}

// SequenceSource replays a fixed vector, wrapping around when exhausted. A
// vector of the asset count reuses the same draw at every date.
type SequenceSource struct {
	values []float64
	pos    int
}

func NewSequenceSource(values []float64) *SequenceSource {
	v := make([]float64, len(values))
	copy(v, values)
	return &SequenceSource{values: v}
}

func (s *SequenceSource) Fill(dst []float64) {
	if len(s.values) == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i := range dst {
		dst[i] = s.values[s.pos]
		s.pos = (s.pos + 1) % len(s.values)
	}
}

// Reset rewinds the sequence to its first value.
func (s *SequenceSource) Reset() {
	s.pos = 0
}

// SeedForRank derives a per-rank seed so ranks sharing a base seed draw
// independent streams.
func SeedForRank(base uint64, rank int) uint64 {
	z := base + uint64(rank+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
