package webrtc

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"camrelay/internal/core/domain"

	webrtc "github.com/pion/webrtc/v3"
)

const (
	ephemeralPortMin = 49152
	ephemeralPortMax = 65535

	defaultLocalPreference = 65535
)

var cgnatNet = net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// CandidateForge fabricates ICE candidates that look like they came
// from a real network stack. Each forged set describes one coherent
// path: a host, the server-reflexive mapping of that host, and a relay
// allocation on top of it.
type CandidateForge struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewCandidateForge() *CandidateForge {
	return &CandidateForge{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ForgeSets returns n candidate sets. Local preference drops by one per
// set so the paths rank the way multiple interfaces would.
func (f *CandidateForge) ForgeSets(n int) []*domain.VirtualCandidate {
	out := make([]*domain.VirtualCandidate, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, f.ForgeSet(uint32(defaultLocalPreference-i))...)
	}
	return out
}

// ForgeSet returns one host, srflx and relay candidate sharing a
// synthetic network identity.
func (f *CandidateForge) ForgeSet(localPref uint32) []*domain.VirtualCandidate {
	hostAddr, hostPort := f.endpoint()
	srflxAddr, srflxPort := f.endpoint()
	relayAddr, relayPort := f.endpoint()

	host := &domain.VirtualCandidate{
		Foundation: f.foundation(),
		Component:  1,
		Protocol:   "udp",
		Priority:   domain.ComputePriority(domain.CandidateHost, localPref, 1),
		Address:    hostAddr,
		Port:       hostPort,
		Type:       domain.CandidateHost,
	}
	srflx := &domain.VirtualCandidate{
		Foundation:     f.foundation(),
		Component:      1,
		Protocol:       "udp",
		Priority:       domain.ComputePriority(domain.CandidateSrflx, localPref, 1),
		Address:        srflxAddr,
		Port:           srflxPort,
		Type:           domain.CandidateSrflx,
		RelatedAddress: hostAddr,
		RelatedPort:    hostPort,
	}
	relay := &domain.VirtualCandidate{
		Foundation:     f.foundation(),
		Component:      1,
		Protocol:       "udp",
		Priority:       domain.ComputePriority(domain.CandidateRelay, localPref, 1),
		Address:        relayAddr,
		Port:           relayPort,
		Type:           domain.CandidateRelay,
		RelatedAddress: srflxAddr,
		RelatedPort:    srflxPort,
	}
	return []*domain.VirtualCandidate{host, srflx, relay}
}

// Jitter returns a random delay inside the window, used to pace
// candidate emission.
func (f *CandidateForge) Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

func (f *CandidateForge) endpoint() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publicIPv4(), ephemeralPortMin + f.rng.Intn(ephemeralPortMax-ephemeralPortMin+1)
}

func (f *CandidateForge) foundation() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.FormatUint(uint64(f.rng.Uint32()), 10)
}

// publicIPv4 draws a routable unicast address. Private, loopback,
// link-local and carrier NAT space are rejected. Callers hold f.mu.
func (f *CandidateForge) publicIPv4() string {
	for {
		ip := net.IPv4(
			byte(f.rng.Intn(223)+1),
			byte(f.rng.Intn(256)),
			byte(f.rng.Intn(256)),
			byte(f.rng.Intn(254)+1),
		)
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || cgnatNet.Contains(ip) {
			continue
		}
		return ip.String()
	}
}

// AsICECandidate converts a forged candidate into the pion
// representation handed to OnICECandidate callbacks.
func AsICECandidate(vc *domain.VirtualCandidate) *webrtc.ICECandidate {
	c := &webrtc.ICECandidate{
		Foundation:     vc.Foundation,
		Priority:       vc.Priority,
		Address:        vc.Address,
		Protocol:       webrtc.ICEProtocolUDP,
		Port:           uint16(vc.Port),
		Component:      uint16(vc.Component),
		RelatedAddress: vc.RelatedAddress,
		RelatedPort:    uint16(vc.RelatedPort),
	}
	switch vc.Type {
	case domain.CandidateHost:
		c.Typ = webrtc.ICECandidateTypeHost
	case domain.CandidateSrflx:
		c.Typ = webrtc.ICECandidateTypeSrflx
	case domain.CandidateRelay:
		c.Typ = webrtc.ICECandidateTypeRelay
	}
	return c
}
