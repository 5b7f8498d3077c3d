package chathub

import (
	"sort"
	"sync"
)

// Presence is the in-memory registry of who is connected to this node and
// which rooms they are in. It is rebuilt from reconnects after a restart.
type Presence struct {
	mu sync.RWMutex

	// conns maps userID -> connID -> client.
	conns map[string]map[string]Client
	// rooms maps roomID -> set of userIDs.
	rooms map[string]map[string]struct{}
	// memberships maps userID -> set of roomIDs.
	memberships map[string]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		conns:       make(map[string]map[string]Client),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection. It reports whether this is the user's first
// connection on this node.
func (p *Presence) Register(c Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	userID := c.GetUserID()
	byConn, ok := p.conns[userID]
	if !ok {
		byConn = make(map[string]Client)
		p.conns[userID] = byConn
	}
	byConn[c.GetConnID()] = c
	return !ok
}

// Unregister removes a connection. last reports whether it was the user's
// last connection on this node.
func (p *Presence) Unregister(c Client) (removed, last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	userID := c.GetUserID()
	byConn, ok := p.conns[userID]
	if !ok {
		return false, false
	}
	if _, ok := byConn[c.GetConnID()]; !ok {
		return false, false
	}
	delete(byConn, c.GetConnID())
	if len(byConn) == 0 {
		delete(p.conns, userID)
		return true, true
	}
	return true, false
}

// Join adds userID to roomID. Joining twice is a no-op.
func (p *Presence) Join(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	members, ok := p.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		p.rooms[roomID] = members
	}
	members[userID] = struct{}{}

	joined, ok := p.memberships[userID]
	if !ok {
		joined = make(map[string]struct{})
		p.memberships[userID] = joined
	}
	joined[roomID] = struct{}{}
}

// Leave removes userID from roomID.
func (p *Presence) Leave(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveLocked(roomID, userID)
}

func (p *Presence) leaveLocked(roomID, userID string) {
	if members, ok := p.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(p.rooms, roomID)
		}
	}
	if joined, ok := p.memberships[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(p.memberships, userID)
		}
	}
}

// LeaveRoom drops every member of roomID and returns who was in it.
func (p *Presence) LeaveRoom(roomID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	members := sortedKeys(p.rooms[roomID])
	for _, userID := range members {
		p.leaveLocked(roomID, userID)
	}
	return members
}

// LeaveAll removes userID from every room and returns those rooms.
func (p *Presence) LeaveAll(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rooms := sortedKeys(p.memberships[userID])
	for _, roomID := range rooms {
		p.leaveLocked(roomID, userID)
	}
	return rooms
}

// MembersOf returns the members of roomID, sorted.
func (p *Presence) MembersOf(roomID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.rooms[roomID])
}

func (p *Presence) IsMember(roomID, userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.rooms[roomID][userID]
	return ok
}

// RoomsOf returns the rooms userID is in, sorted.
func (p *Presence) RoomsOf(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.memberships[userID])
}

// ChannelOf returns the user's personal channel on this node: every open
// connection of that user. Empty when the user is not connected here.
func (p *Presence) ChannelOf(userID string) []Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byConn := p.conns[userID]
	out := make([]Client, 0, len(byConn))
	for _, c := range byConn {
		out = append(out, c)
	}
	return out
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID]) > 0
}

// Responders returns connections of responders eligible for an advertisement
// scoped to organizationID: responders of that organisation, or every
// responder when organizationID is empty. storage.ListPendingRequests uses
// the same rule.
func (p *Presence) Responders(organizationID, excludeUserID string) []Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Client
	for userID, byConn := range p.conns {
		if userID == excludeUserID {
			continue
		}
		for _, c := range byConn {
			id := c.GetIdentity()
			if id == nil || !id.IsResponder {
				continue
			}
			if organizationID != "" && id.OrganizationID != organizationID {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// All returns every registered connection.
func (p *Presence) All() []Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Client
	for _, byConn := range p.conns {
		for _, c := range byConn {
			out = append(out, c)
		}
	}
	return out
}

func (p *Presence) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, byConn := range p.conns {
		n += len(byConn)
	}
	return n
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
