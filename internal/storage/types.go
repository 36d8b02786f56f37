// Package storage provides the Redis-backed settlement store for the block unlocker.
package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// memberSeparator joins the fields of candidate and matured set members
const memberSeparator = ":"

// Candidate is a block the pool believes it found and that has not been
// resolved against the chain yet.
type Candidate struct {
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	SubmitTime int64  `json:"submit_time"`
	Difficulty uint64 `json:"difficulty"`
	Shares     uint64 `json:"shares"`

	// Serialized is the exact set member; ZREM matches on it verbatim.
	Serialized string `json:"-"`
}

// ParseCandidate decodes a candidate set member of the form
// hash:submitTime:difficulty:shares scored by height.
func ParseCandidate(member string, height uint64) (*Candidate, error) {
	parts := strings.Split(member, memberSeparator)
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: %q has %d fields", ErrMalformedCandidate, member, len(parts))
	}

	submitTime, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad submit time in %q", ErrMalformedCandidate, member)
	}
	difficulty, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad difficulty in %q", ErrMalformedCandidate, member)
	}
	shares, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad share count in %q", ErrMalformedCandidate, member)
	}

	return &Candidate{
		Height:     height,
		Hash:       parts[0],
		SubmitTime: submitTime,
		Difficulty: difficulty,
		Shares:     shares,
		Serialized: member,
	}, nil
}

// Member returns the canonical set member for the candidate
func (c *Candidate) Member() string {
	return strings.Join([]string{
		c.Hash,
		strconv.FormatInt(c.SubmitTime, 10),
		strconv.FormatUint(c.Difficulty, 10),
		strconv.FormatUint(c.Shares, 10),
	}, memberSeparator)
}

// MaturedRecord is the archive entry written when a candidate resolves
type MaturedRecord struct {
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	SubmitTime int64  `json:"submit_time"`
	Difficulty uint64 `json:"difficulty"`
	Shares     uint64 `json:"shares"`
	Orphaned   bool   `json:"orphaned"`
}

// NewMaturedRecord builds the archive entry for a resolved candidate
func NewMaturedRecord(c *Candidate, orphaned bool) *MaturedRecord {
	return &MaturedRecord{
		Height:     c.Height,
		Hash:       c.Hash,
		SubmitTime: c.SubmitTime,
		Difficulty: c.Difficulty,
		Shares:     c.Shares,
		Orphaned:   orphaned,
	}
}

// Member returns hash:submitTime:difficulty:shares:orphaned with the flag as 0 or 1
func (m *MaturedRecord) Member() string {
	flag := "0"
	if m.Orphaned {
		flag = "1"
	}
	return strings.Join([]string{
		m.Hash,
		strconv.FormatInt(m.SubmitTime, 10),
		strconv.FormatUint(m.Difficulty, 10),
		strconv.FormatUint(m.Shares, 10),
		flag,
	}, memberSeparator)
}

// ParseMaturedRecord decodes a matured archive member scored by height
func ParseMaturedRecord(member string, height uint64) (*MaturedRecord, error) {
	idx := strings.LastIndex(member, memberSeparator)
	if idx < 0 {
		return nil, fmt.Errorf("malformed matured record %q", member)
	}

	c, err := ParseCandidate(member[:idx], height)
	if err != nil {
		return nil, err
	}

	return NewMaturedRecord(c, member[idx+1:] == "1"), nil
}

// RoundShares maps worker id to the shares it contributed to one round
type RoundShares map[string]uint64

// Total returns the sum of all worker shares
func (r RoundShares) Total() uint64 {
	var total uint64
	for _, s := range r {
		total += s
	}
	return total
}
