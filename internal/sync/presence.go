package sync

import (
	"sync"
	"time"
)

// typingTTL bounds how long a typing indicator stays visible without a
// refresh from the server.
const typingTTL = 6 * time.Second

// UserPresence is a user's last known online state.
type UserPresence struct {
	Online   bool
	LastSeen int64
}

// Presence tracks ephemeral typing and online signals in memory. It is
// deliberately not persisted: after a restart the server re-announces
// whatever still holds.
type Presence struct {
	mu     sync.RWMutex
	typing map[string]map[string]time.Time // chatID -> userID -> expiry
	online map[string]UserPresence
}

// NewPresence creates an empty presence tracker.
func NewPresence() *Presence {
	return &Presence{
		typing: make(map[string]map[string]time.Time),
		online: make(map[string]UserPresence),
	}
}

// SetTyping records or clears a typing indicator.
func (p *Presence) SetTyping(chatID, userID string, typing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !typing {
		delete(p.typing[chatID], userID)
		return
	}
	if p.typing[chatID] == nil {
		p.typing[chatID] = make(map[string]time.Time)
	}
	p.typing[chatID][userID] = time.Now().Add(typingTTL)
}

// Typing returns the users currently typing in a chat, pruning expired
// entries.
func (p *Presence) Typing(chatID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var users []string
	for userID, expiry := range p.typing[chatID] {
		if expiry.Before(now) {
			delete(p.typing[chatID], userID)
			continue
		}
		users = append(users, userID)
	}
	return users
}

// SetOnline records a user's presence. Last write wins.
func (p *Presence) SetOnline(userID string, online bool, lastSeen int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = UserPresence{Online: online, LastSeen: lastSeen}
}

// Online returns a user's last known presence.
func (p *Presence) Online(userID string) (UserPresence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	up, ok := p.online[userID]
	return up, ok
}
