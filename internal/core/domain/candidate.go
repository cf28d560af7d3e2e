package domain

import "fmt"

type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidateRelay CandidateType = "relay"
)

// TypePreference returns the ICE type preference for priority computation.
func (t CandidateType) TypePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidateSrflx:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

// VirtualCandidate is a synthetic ICE candidate injected during stealth
// signaling. Priority follows RFC 8445: type<<24 | local<<8 | component.
type VirtualCandidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	Address    string
	Port       int
	Type       CandidateType

	// RelatedAddress and RelatedPort are set on srflx and relay
	// candidates only.
	RelatedAddress string
	RelatedPort    int
}

// ComputePriority derives the RFC 8445 candidate priority.
func ComputePriority(t CandidateType, localPref uint32, component int) uint32 {
	return t.TypePreference()<<24 | localPref<<8 | uint32(256-component)
}

// Attribute renders the candidate-attribute line without the "a=" prefix.
func (c *VirtualCandidate) Attribute() string {
	attr := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != "" {
		attr += fmt.Sprintf(" raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return attr
}
