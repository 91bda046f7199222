package api

import (
	"strings"
	"sync"
)

// anonymousName is the display name given to accounts created without one.
const anonymousName = "Anonymous"

// DisplayLabel is the name shown for a contact. Anonymous or unnamed
// contacts are labelled with the part of their email before the "@".
func DisplayLabel(p Participant) string {
	if p.DisplayName != "" && p.DisplayName != anonymousName {
		return p.DisplayName
	}
	if p.Email != "" {
		local, _, _ := strings.Cut(p.Email, "@")
		return local
	}
	return p.DisplayName
}

// FilterContacts returns the contacts whose display name or email contains
// query, ignoring case. Missing fields never match.
func FilterContacts(roster []Participant, query string) []Participant {
	query = strings.ToLower(query)
	matches := make([]Participant, 0, len(roster))
	for _, p := range roster {
		if containsFold(p.DisplayName, query) || containsFold(p.Email, query) {
			matches = append(matches, p)
		}
	}
	return matches
}

func containsFold(field string, query string) bool {
	return field != "" && strings.Contains(strings.ToLower(field), query)
}

// Roster is the cached contact list of one participant. Every snapshot
// replaces it wholesale.
type Roster struct {
	mu           sync.RWMutex
	self         string
	participants []Participant
}

func NewRoster(self string) *Roster {
	return &Roster{self: self}
}

// Replace stores a new snapshot, leaving out the local participant.
func (r *Roster) Replace(participants []Participant) {
	contacts := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if p.UID == "" || p.UID == r.self {
			continue
		}
		contacts = append(contacts, p)
	}

	r.mu.Lock()
	r.participants = contacts
	r.mu.Unlock()
}

func (r *Roster) All() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Participant(nil), r.participants...)
}

func (r *Roster) Find(uid string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		if p.UID == uid {
			return p, true
		}
	}
	return Participant{}, false
}

// Filter applies FilterContacts to the cached roster. An empty query
// leaves the roster as is.
func (r *Roster) Filter(query string) []Participant {
	if query == "" {
		return r.All()
	}
	return FilterContacts(r.All(), query)
}

// Entries labels contacts and attaches per-sender unread badges.
func Entries(contacts []Participant, unread map[string]int) []ContactEntry {
	entries := make([]ContactEntry, 0, len(contacts))
	for _, p := range contacts {
		entries = append(entries, ContactEntry{
			Participant: p,
			Label:       DisplayLabel(p),
			Unread:      unread[p.UID],
		})
	}
	return entries
}
