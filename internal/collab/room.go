package collab

import (
	"sort"
	"sync"
	"time"

	"postwork/api/internal/store"
)

const eventBuffer = 64

// RoomKey names a room by the project and the version it was seeded from.
type RoomKey struct {
	ProjectID string `json:"projectId"`
	VersionID string `json:"versionId"`
}

func (k RoomKey) String() string {
	return k.ProjectID + "/" + k.VersionID
}

type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type VersionRef struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

// Event is pushed to participants. Type is one of init, edit, committed,
// presence or closed.
type Event struct {
	Type         string        `json:"type"`
	Room         RoomKey       `json:"room"`
	Revision     int64         `json:"revision"`
	Text         string        `json:"text,omitempty"`
	Edit         *Edit         `json:"edit,omitempty"`
	From         string        `json:"from,omitempty"`
	Version      *VersionRef   `json:"version,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// Handle is one participant's attachment to a room.
type Handle struct {
	id          string
	participant Participant
	room        *Room
	events      chan Event
	joinedAt    time.Time
	lastSeen    time.Time
	left        bool
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Participant() Participant {
	return h.participant
}

// Events yields room events until the handle leaves, then closes.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Key returns the room's current key, which changes when a commit re-keys it.
func (h *Handle) Key() RoomKey {
	h.room.mu.Lock()
	defer h.room.mu.Unlock()
	return h.room.key
}

type Room struct {
	mu       sync.Mutex
	commitMu sync.Mutex

	key          RoomKey
	doc          *Document
	base         store.Version
	revision     int64
	participants map[string]*Handle
	lastActive   time.Time
	closed       bool
}

func newRoom(key RoomKey, base store.Version, doc *Document, now time.Time) *Room {
	return &Room{
		key:          key,
		doc:          doc,
		base:         base,
		participants: map[string]*Handle{},
		lastActive:   now,
	}
}

// participantsLocked lists participants by join time.
func (r *Room) participantsLocked() []Participant {
	handles := make([]*Handle, 0, len(r.participants))
	for _, h := range r.participants {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		if !handles[i].joinedAt.Equal(handles[j].joinedAt) {
			return handles[i].joinedAt.Before(handles[j].joinedAt)
		}
		return handles[i].id < handles[j].id
	})
	out := make([]Participant, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.participant)
	}
	return out
}

// broadcastLocked delivers ev to every participant except skip and returns
// the handles whose buffers were full.
func (r *Room) broadcastLocked(ev Event, skip *Handle) []*Handle {
	var slow []*Handle
	for _, h := range r.participants {
		if h == skip {
			continue
		}
		select {
		case h.events <- ev:
		default:
			slow = append(slow, h)
		}
	}
	return slow
}

func (r *Room) detachLocked(h *Handle, reason string) {
	if h.left {
		return
	}
	h.left = true
	delete(r.participants, h.id)
	if reason != "" {
		select {
		case h.events <- Event{Type: "closed", Room: r.key, Revision: r.revision, Reason: reason}:
		default:
		}
	}
	close(h.events)
}

// RoomSnapshot is a read-only view of a live room.
type RoomSnapshot struct {
	Key          RoomKey       `json:"key"`
	BaseVersion  VersionRef    `json:"baseVersion"`
	Text         string        `json:"text"`
	Revision     int64         `json:"revision"`
	Dirty        bool          `json:"dirty"`
	Participants []Participant `json:"participants"`
	LastActive   time.Time     `json:"lastActive"`
}

func (r *Room) snapshotLocked() RoomSnapshot {
	text := r.doc.Text()
	return RoomSnapshot{
		Key:          r.key,
		BaseVersion:  VersionRef{ID: r.base.ID, Seq: r.base.Seq},
		Text:         text,
		Revision:     r.revision,
		Dirty:        text != r.base.Code,
		Participants: r.participantsLocked(),
		LastActive:   r.lastActive,
	}
}
