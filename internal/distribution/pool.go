package distribution

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Pool is the proportional-distribution primitive: members hold units and
// each distribution pays out amount * memberUnits / totalUnits. Connected
// members receive value on their balance automatically; disconnected members
// accrue a claimable balance that must be pulled with Claim.
type Pool interface {
	UpdateMemberUnits(member uuid.UUID, units int64) error
	MemberUnits(member uuid.UUID) int64
	TotalUnits() int64

	// Distribute splits amount across members proportionally and returns
	// the amount actually distributed, which may be lower than requested
	// due to unit rounding (perUnit truncates toward zero).
	Distribute(amount int64) (int64, error)

	Connect(member uuid.UUID)
	Disconnect(member uuid.UUID)

	// MemberBalance returns value already delivered to a connected member.
	MemberBalance(member uuid.UUID) int64
	// Claimable returns value accrued while disconnected.
	Claimable(member uuid.UUID) int64
	// Claim pulls the claimable balance onto the member balance.
	Claim(member uuid.UUID) int64

	// Snapshot returns every member's state in deterministic order.
	Snapshot() []MemberSnapshot
	// RestoreMember reinstates a member entry (snapshot restore only).
	RestoreMember(ms MemberSnapshot)
}

// MemberSnapshot carries one member's pool state for persistence.
type MemberSnapshot struct {
	Member    uuid.UUID `json:"member"`
	Units     int64     `json:"units"`
	Connected bool      `json:"connected"`
	Balance   int64     `json:"balance"`
	Claimable int64     `json:"claimable"`
}

type memberState struct {
	units     int64
	connected bool
	balance   int64
	claimable int64
}

// InMemoryPool is the reference Pool used by the engine and tests.
// Not thread-safe — only accessed from the single-threaded core.
type InMemoryPool struct {
	members map[uuid.UUID]*memberState
	total   int64
}

func NewInMemoryPool() *InMemoryPool {
	return &InMemoryPool{
		members: make(map[uuid.UUID]*memberState),
	}
}

func (p *InMemoryPool) member(id uuid.UUID) *memberState {
	m, ok := p.members[id]
	if !ok {
		m = &memberState{connected: true}
		p.members[id] = m
	}
	return m
}

func (p *InMemoryPool) UpdateMemberUnits(member uuid.UUID, units int64) error {
	if units < 0 {
		return fmt.Errorf("negative units: %d", units)
	}
	m := p.member(member)
	p.total += units - m.units
	m.units = units
	return nil
}

func (p *InMemoryPool) MemberUnits(member uuid.UUID) int64 {
	if m, ok := p.members[member]; ok {
		return m.units
	}
	return 0
}

func (p *InMemoryPool) TotalUnits() int64 {
	return p.total
}

func (p *InMemoryPool) Distribute(amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative distribution amount: %d", amount)
	}
	if amount == 0 || p.total == 0 {
		return 0, nil
	}

	perUnit := amount / p.total
	actual := perUnit * p.total
	if actual == 0 {
		return 0, nil
	}

	for _, m := range p.members {
		if m.units == 0 {
			continue
		}
		share := perUnit * m.units
		if m.connected {
			m.balance += share
		} else {
			m.claimable += share
		}
	}

	return actual, nil
}

func (p *InMemoryPool) Connect(member uuid.UUID) {
	m := p.member(member)
	m.connected = true
	m.balance += m.claimable
	m.claimable = 0
}

func (p *InMemoryPool) Disconnect(member uuid.UUID) {
	p.member(member).connected = false
}

func (p *InMemoryPool) MemberBalance(member uuid.UUID) int64 {
	if m, ok := p.members[member]; ok {
		return m.balance
	}
	return 0
}

func (p *InMemoryPool) Claimable(member uuid.UUID) int64 {
	if m, ok := p.members[member]; ok {
		return m.claimable
	}
	return 0
}

func (p *InMemoryPool) Claim(member uuid.UUID) int64 {
	m, ok := p.members[member]
	if !ok || m.claimable == 0 {
		return 0
	}
	claimed := m.claimable
	m.balance += claimed
	m.claimable = 0
	return claimed
}

func (p *InMemoryPool) Snapshot() []MemberSnapshot {
	out := make([]MemberSnapshot, 0, len(p.members))
	for id, m := range p.members {
		out = append(out, MemberSnapshot{
			Member:    id,
			Units:     m.units,
			Connected: m.connected,
			Balance:   m.balance,
			Claimable: m.claimable,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Member[:], out[j].Member[:]) < 0
	})
	return out
}

func (p *InMemoryPool) RestoreMember(ms MemberSnapshot) {
	p.total += ms.Units - p.member(ms.Member).units
	p.members[ms.Member] = &memberState{
		units:     ms.Units,
		connected: ms.Connected,
		balance:   ms.Balance,
		claimable: ms.Claimable,
	}
}
