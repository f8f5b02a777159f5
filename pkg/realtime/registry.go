// Package realtime tracks live connections and fans payloads out to them.
package realtime

import (
	"sort"
	"sync"
)

// Peer is one live connection as seen by the Registry.
type Peer interface {
	ID() string
	UserID() string
	// Send queues payload without blocking.
	Send(payload []byte) error
	Close(code int, reason string)
}

// Registry maps channels and users to their live connections. A Registry is
// owned by one gateway and shared by all of its sessions.
type Registry struct {
	mu           sync.RWMutex
	peers        map[string]Peer                // connID -> peer
	userPeers    map[string]map[string]Peer     // userID -> connID -> peer
	rooms        map[string]map[string]Peer     // channelID -> connID -> peer
	peerChannels map[string]map[string]struct{} // connID -> channelIDs
}

func NewRegistry() *Registry {
	return &Registry{
		peers:        make(map[string]Peer),
		userPeers:    make(map[string]map[string]Peer),
		rooms:        make(map[string]map[string]Peer),
		peerChannels: make(map[string]map[string]struct{}),
	}
}

// Attach registers p under its user. A user may hold several connections.
func (r *Registry) Attach(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[p.ID()] = p
	conns := r.userPeers[p.UserID()]
	if conns == nil {
		conns = make(map[string]Peer)
		r.userPeers[p.UserID()] = conns
	}
	conns[p.ID()] = p
	r.peerChannels[p.ID()] = make(map[string]struct{})
}

// Detach removes p from every index and returns the channels it had joined.
// last reports whether p was the user's final connection.
func (r *Registry) Detach(p Peer) (channels []string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID()]; !ok {
		return nil, false
	}
	delete(r.peers, p.ID())

	for channelID := range r.peerChannels[p.ID()] {
		channels = append(channels, channelID)
		r.leaveLocked(channelID, p.ID())
	}
	delete(r.peerChannels, p.ID())

	if conns, ok := r.userPeers[p.UserID()]; ok {
		delete(conns, p.ID())
		if len(conns) == 0 {
			delete(r.userPeers, p.UserID())
			last = true
		}
	}
	sort.Strings(channels)
	return channels, last
}

// Join adds p to channelID. It reports false when p is not attached.
func (r *Registry) Join(channelID string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.peerChannels[p.ID()]
	if !ok {
		return false
	}
	room := r.rooms[channelID]
	if room == nil {
		room = make(map[string]Peer)
		r.rooms[channelID] = room
	}
	room[p.ID()] = p
	joined[channelID] = struct{}{}
	return true
}

// Leave removes p from channelID. Leaving a channel that was never joined is
// a no-op.
func (r *Registry) Leave(channelID string, p Peer) {
	r.mu.Lock()
	r.leaveLocked(channelID, p.ID())
	r.mu.Unlock()
}

func (r *Registry) leaveLocked(channelID, connID string) {
	if room := r.rooms[channelID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, channelID)
		}
	}
	if joined := r.peerChannels[connID]; joined != nil {
		delete(joined, channelID)
	}
}

// Joined reports whether p is currently in channelID.
func (r *Registry) Joined(channelID string, p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[channelID][p.ID()]
	return ok
}

// Channels lists the channels p has joined.
func (r *Registry) Channels(p Peer) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.peerChannels[p.ID()]))
	for channelID := range r.peerChannels[p.ID()] {
		channels = append(channels, channelID)
	}
	sort.Strings(channels)
	return channels
}

// UserInChannel reports whether any connection of userID has joined channelID.
func (r *Registry) UserInChannel(channelID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.rooms[channelID] {
		if p.UserID() == userID {
			return true
		}
	}
	return false
}

// Broadcast sends payload to every connection in channelID except those of
// excludeUserID, and returns how many accepted it.
func (r *Registry) Broadcast(channelID string, payload []byte, excludeUserID string) int {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.rooms[channelID]))
	for _, p := range r.rooms[channelID] {
		if excludeUserID != "" && p.UserID() == excludeUserID {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	return deliver(targets, payload)
}

// SendToUser sends payload to every live connection of userID.
func (r *Registry) SendToUser(userID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.userPeers[userID]))
	for _, p := range r.userPeers[userID] {
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	return deliver(targets, payload)
}

// deliver runs outside the registry lock; a full buffer makes Send close
// the peer.
func deliver(targets []Peer, payload []byte) int {
	delivered := 0
	for _, p := range targets {
		if err := p.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Online reports whether userID has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userPeers[userID]) > 0
}

// ChannelUsers lists the distinct users with a connection in channelID.
func (r *Registry) ChannelUsers(channelID string) []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.rooms[channelID]))
	for _, p := range r.rooms[channelID] {
		seen[p.UserID()] = struct{}{}
	}
	r.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Count returns the number of attached connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Close closes every connection and clears the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]Peer)
	r.userPeers = make(map[string]map[string]Peer)
	r.rooms = make(map[string]map[string]Peer)
	r.peerChannels = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, p := range peers {
		p.Close(1001, "server shutdown")
	}
}
