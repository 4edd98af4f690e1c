package obd

import (
	"fmt"
	"slices"
)

// PidCode identifies a mode 01 diagnostic parameter.
type PidCode uint8

func (p PidCode) String() string {
	return fmt.Sprintf("%02X", uint8(p))
}

// Command returns the mode 01 request for the PID, e.g. "010C".
func (p PidCode) Command() string {
	return fmt.Sprintf("%02X%02X", ModeCurrentData, uint8(p))
}

const (
	ModeCurrentData  byte = 0x01
	ModeCurrentReply byte = ModeCurrentData + 0x40
)

// Value is a decoded PID reading.
type Value interface {
	String() string
}

// Decoder turns the data bytes of a mode 01 reply into a Value.
type Decoder interface {
	PID() PidCode
	Name() string
	Decode(data []byte) (Value, error)
}

// Registry maps PID codes to decoders. It is filled once and only read afterwards.
type Registry struct {
	decoders map[PidCode]Decoder
}

// NewRegistry registers decoders in the given order. When two decoders claim the
// same code the first one is kept.
func NewRegistry(decoders ...Decoder) *Registry {
	r := &Registry{decoders: make(map[PidCode]Decoder, len(decoders))}
	for _, d := range decoders {
		if d == nil {
			continue
		}
		if _, ok := r.decoders[d.PID()]; ok {
			continue
		}
		r.decoders[d.PID()] = d
	}
	return r
}

func (r *Registry) Lookup(code PidCode) (Decoder, bool) {
	if r == nil {
		return nil, false
	}
	d, ok := r.decoders[code]
	return d, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.decoders)
}

// Codes returns the registered codes in ascending order.
func (r *Registry) Codes() []PidCode {
	if r == nil {
		return nil
	}
	codes := make([]PidCode, 0, len(r.decoders))
	for c := range r.decoders {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

// SupportedSet is an ordered, duplicate free set of PID codes reported by the vehicle.
// The zero value is empty.
type SupportedSet struct {
	codes []PidCode
	index map[PidCode]struct{}
}

// NewSupportedSet keeps the first occurrence of each code, in order.
func NewSupportedSet(codes ...PidCode) SupportedSet {
	var s SupportedSet
	for _, c := range codes {
		s.add(c)
	}
	return s
}

func (s *SupportedSet) add(c PidCode) {
	if s.index == nil {
		s.index = make(map[PidCode]struct{})
	}
	if _, ok := s.index[c]; ok {
		return
	}
	s.index[c] = struct{}{}
	s.codes = append(s.codes, c)
}

func (s SupportedSet) Contains(c PidCode) bool {
	_, ok := s.index[c]
	return ok
}

func (s SupportedSet) Len() int {
	return len(s.codes)
}

// Codes returns a copy of the codes in set order.
func (s SupportedSet) Codes() []PidCode {
	return slices.Clone(s.codes)
}

// Sorted returns a copy of the set ordered by ascending code.
func (s SupportedSet) Sorted() SupportedSet {
	codes := s.Codes()
	slices.Sort(codes)
	return NewSupportedSet(codes...)
}
