// Package collab owns the live editing rooms. A room is seeded from one stored
// version, shared by every participant that joins it, and discarded when the
// last participant leaves. Only an explicit Commit turns room text into a new
// version.
package collab

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"postwork/api/internal/apperr"
	"postwork/api/internal/logger"
	"postwork/api/internal/metrics"
	"postwork/api/internal/session"
	"postwork/api/internal/store"
	"postwork/api/internal/util"
)

type versionStore interface {
	GetVersion(ctx context.Context, projectID, versionID string) (store.Version, error)
	AppendVersion(ctx context.Context, version store.Version) (store.Version, error)
}

type commentSource interface {
	ListCommentsForVersion(ctx context.Context, projectID, versionID string) ([]store.Comment, error)
}

// CommitLocker serializes commits of one project across API nodes.
type CommitLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

type PresencePublisher interface {
	PublishPresence(ctx context.Context, room string, entries []session.PresenceEntry) error
	ClearPresence(ctx context.Context, room string) error
}

// CommitHook runs after a commit appended a version. Hooks must not block for
// long; failures are theirs to log.
type CommitHook func(ctx context.Context, version store.Version)

type CommitOutcome string

const (
	CommitCreated CommitOutcome = "created"
	CommitNoop    CommitOutcome = "noop"
)

type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	LockTTL       time.Duration
	Comments      commentSource
	Locker        CommitLocker
	Presence      PresencePublisher
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Registry struct {
	mu      sync.Mutex
	rooms   map[RoomKey]*Room
	aliases map[RoomKey]RoomKey
	loads   singleflight.Group

	versions versionStore
	comments commentSource
	locker   CommitLocker
	presence PresencePublisher
	hooks    []CommitHook

	idleTimeout   time.Duration
	sweepInterval time.Duration
	lockTTL       time.Duration
	now           func() time.Time
	log           *logger.Logger
	metrics       *metrics.Metrics
}

func NewRegistry(versions versionStore, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Registry{
		rooms:         map[RoomKey]*Room{},
		aliases:       map[RoomKey]RoomKey{},
		versions:      versions,
		comments:      opts.Comments,
		locker:        opts.Locker,
		presence:      opts.Presence,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		lockTTL:       opts.LockTTL,
		now:           opts.Now,
		log:           opts.Logger.Component("collab"),
		metrics:       opts.Metrics,
	}
}

// OnCommit registers a hook run after every commit that created a version.
func (r *Registry) OnCommit(hook CommitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

type seed struct {
	version store.Version
	doc     *Document
}

// load reads the version and re-places the anchors of comments created on it.
// Comment failures only cost anchoring, never the join.
func (r *Registry) load(ctx context.Context, key RoomKey) (*seed, error) {
	version, err := r.versions.GetVersion(ctx, key.ProjectID, key.VersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("version")
	}
	if err != nil {
		return nil, apperr.Storage(err, "load version")
	}
	doc := NewDocument(version.Code)
	if r.comments != nil {
		comments, err := r.comments.ListCommentsForVersion(ctx, key.ProjectID, key.VersionID)
		if err != nil {
			r.log.Warn().Err(err).Str("room", key.String()).Msg("seed anchors failed")
		}
		for _, c := range comments {
			if c.LiveAnchor != nil && *c.LiveAnchor != "" {
				doc.PlaceAnchor(*c.LiveAnchor, c.Line, c.LastLine())
			}
		}
	}
	return &seed{version: version, doc: doc}, nil
}

// Join attaches p to the room for key, seeding the room from the stored
// version when none is live. Concurrent first joins share one load.
func (r *Registry) Join(ctx context.Context, key RoomKey, p Participant) (*Handle, error) {
	r.mu.Lock()
	room := r.rooms[key]
	if room != nil {
		h := r.attachLocked(room, p)
		r.mu.Unlock()
		r.publishPresence(room)
		return h, nil
	}
	r.mu.Unlock()

	loaded, err, _ := r.loads.Do(key.String(), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return r.load(loadCtx, key)
	})
	if err != nil {
		return nil, err
	}
	s := loaded.(*seed)

	r.mu.Lock()
	room = r.rooms[key]
	if room == nil {
		// Concurrent joiners share the seed, so every room edits its own copy.
		room = newRoom(key, s.version, s.doc.clone(), r.now())
		r.rooms[key] = room
		delete(r.aliases, key)
		r.metrics.RecordRoomOpened()
		r.log.Room(key.ProjectID, key.VersionID).Info().Int64("seq", s.version.Seq).Msg("room opened")
	}
	h := r.attachLocked(room, p)
	r.mu.Unlock()
	r.publishPresence(room)
	return h, nil
}

func (r *Registry) attachLocked(room *Room, p Participant) *Handle {
	room.mu.Lock()
	defer room.mu.Unlock()

	now := r.now()
	h := &Handle{
		id:          util.NewID("hdl"),
		participant: p,
		room:        room,
		events:      make(chan Event, eventBuffer),
		joinedAt:    now,
		lastSeen:    now,
	}
	room.participants[h.id] = h
	room.lastActive = now
	r.metrics.RecordParticipantDelta(1)

	h.events <- Event{Type: "init", Room: room.key, Revision: room.revision, Text: room.doc.Text(),
		Version: &VersionRef{ID: room.base.ID, Seq: room.base.Seq}, Participants: room.participantsLocked()}
	slow := room.broadcastLocked(Event{Type: "presence", Room: room.key, Revision: room.revision, Participants: room.participantsLocked()}, h)
	for _, s := range slow {
		r.evictLocked(room, s, "slow consumer")
	}
	return h
}

// Leave detaches h. Leaving twice is a no-op. The last leave discards the room
// and its uncommitted text.
func (r *Registry) Leave(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	room := h.room
	room.mu.Lock()
	if h.left {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	r.evictLocked(room, h, "")
	room.mu.Unlock()
	r.mu.Unlock()
	r.publishPresence(room)
}

// evictLocked detaches h and tears the room down when it empties. Callers hold
// r.mu and room.mu.
func (r *Registry) evictLocked(room *Room, h *Handle, reason string) {
	if h.left {
		return
	}
	room.detachLocked(h, reason)
	r.metrics.RecordParticipantDelta(-1)
	if len(room.participants) > 0 {
		slow := room.broadcastLocked(Event{Type: "presence", Room: room.key, Revision: room.revision, Participants: room.participantsLocked()}, nil)
		for _, s := range slow {
			r.evictLocked(room, s, "slow consumer")
		}
		return
	}
	r.closeLocked(room, "empty")
}

func (r *Registry) closeLocked(room *Room, reason string) {
	if room.closed {
		return
	}
	room.closed = true
	if r.rooms[room.key] == room {
		delete(r.rooms, room.key)
	}
	for alias, target := range r.aliases {
		if target == room.key {
			delete(r.aliases, alias)
		}
	}
	r.metrics.RecordRoomClosed(reason)
	r.log.Room(room.key.ProjectID, room.key.VersionID).Info().
		Str("reason", reason).
		Bool("dirty", room.doc.Text() != room.base.Code).
		Msg("room discarded")
}

// Apply applies edit to the handle's room in arrival order and fans it out to
// the other participants. It returns the room revision after the edit.
func (r *Registry) Apply(h *Handle, edit Edit) (int64, error) {
	room := h.room
	revision, slow, err := r.applyEdit(room, h, edit)
	if err != nil {
		return 0, err
	}
	r.metrics.RecordEdit()

	if len(slow) > 0 {
		r.mu.Lock()
		room.mu.Lock()
		for _, s := range slow {
			r.evictLocked(room, s, "slow consumer")
		}
		room.mu.Unlock()
		r.mu.Unlock()
		r.publishPresence(room)
	}
	return revision, nil
}

func (r *Registry) applyEdit(room *Room, h *Handle, edit Edit) (int64, []*Handle, error) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if h.left || room.closed {
		return 0, nil, apperr.Conflict("participant is no longer in the room")
	}
	if err := room.doc.Apply(edit); err != nil {
		return 0, nil, err
	}
	now := r.now()
	room.revision++
	room.lastActive = now
	h.lastSeen = now
	e := edit
	slow := room.broadcastLocked(Event{Type: "edit", Room: room.key, Revision: room.revision, Edit: &e, From: h.participant.UserID}, h)
	return room.revision, slow, nil
}

// Touch records a heartbeat from h.
func (r *Registry) Touch(h *Handle) {
	room := h.room
	room.mu.Lock()
	defer room.mu.Unlock()
	h.lastSeen = r.now()
}

// exact returns the room live under key itself, ignoring commit aliases.
func (r *Registry) exact(key RoomKey) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[key]
}

// lookup finds the live room for key, following the alias a commit left
// behind when it re-keyed the room.
func (r *Registry) lookup(key RoomKey) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room := r.rooms[key]; room != nil {
		return room
	}
	if target, ok := r.aliases[key]; ok {
		return r.rooms[target]
	}
	return nil
}

func (r *Registry) Snapshot(key RoomKey) (RoomSnapshot, bool) {
	room := r.lookup(key)
	if room == nil {
		return RoomSnapshot{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return RoomSnapshot{}, false
	}
	return room.snapshotLocked(), true
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Commit persists the handle's room text as a new version.
func (r *Registry) Commit(ctx context.Context, h *Handle) (store.Version, CommitOutcome, error) {
	return r.commit(ctx, h.room, h.participant.UserID)
}

// CommitKey commits the room currently live under key, or the room it was
// re-keyed to.
func (r *Registry) CommitKey(ctx context.Context, key RoomKey, authorID string) (store.Version, CommitOutcome, error) {
	room := r.lookup(key)
	if room == nil {
		return store.Version{}, "", apperr.NotFound("room")
	}
	return r.commit(ctx, room, authorID)
}

// commit is serialized per room. Text equal to the room's base version is a
// no-op that returns the base version; this is also what the loser of a commit
// race sees once the winner has re-keyed the room.
func (r *Registry) commit(ctx context.Context, room *Room, authorID string) (store.Version, CommitOutcome, error) {
	room.commitMu.Lock()
	version, outcome, err := r.commitLocked(ctx, room, authorID)
	room.commitMu.Unlock()
	if err != nil {
		r.metrics.RecordCommit("error")
		return store.Version{}, "", err
	}
	r.metrics.RecordCommit(string(outcome))
	if outcome == CommitCreated {
		r.mu.Lock()
		hooks := append([]CommitHook(nil), r.hooks...)
		r.mu.Unlock()
		for _, hook := range hooks {
			hook(ctx, version)
		}
	}
	return version, outcome, nil
}

func (r *Registry) commitLocked(ctx context.Context, room *Room, authorID string) (store.Version, CommitOutcome, error) {
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return store.Version{}, "", apperr.NotFound("room")
	}
	key := room.key
	base := room.base
	text := room.doc.Text()
	room.mu.Unlock()

	if text == base.Code {
		return base, CommitNoop, nil
	}

	if r.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, r.lockTTL)
		release, err := r.locker.Acquire(lockCtx, "commit:"+key.ProjectID, r.lockTTL)
		cancel()
		if err != nil {
			if errors.Is(err, session.ErrLockHeld) {
				return store.Version{}, "", apperr.Conflict("another commit for this project is in progress")
			}
			return store.Version{}, "", apperr.Storage(err, "acquire commit lock")
		}
		defer release()
	}

	version, err := r.versions.AppendVersion(ctx, store.Version{
		ID:        util.NewID("ver"),
		ProjectID: key.ProjectID,
		AuthorID:  authorID,
		Language:  base.Language,
		Code:      text,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, "", apperr.NotFound("project")
	}
	if err != nil {
		return store.Version{}, "", apperr.Storage(err, "append version")
	}

	r.rekey(room, version)
	r.log.Room(key.ProjectID, version.ID).Info().
		Str("from_version", key.VersionID).
		Int64("seq", version.Seq).
		Str("author_id", authorID).
		Msg("room committed")
	return version, CommitCreated, nil
}

// rekey moves a live room to newVersion. The old key stays resolvable as an
// alias so requests that still carry it reach the same room.
func (r *Registry) rekey(room *Room, version store.Version) {
	r.mu.Lock()
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	oldKey := room.key
	newKey := RoomKey{ProjectID: oldKey.ProjectID, VersionID: version.ID}
	if r.rooms[oldKey] == room {
		delete(r.rooms, oldKey)
	}
	r.rooms[newKey] = room
	for alias, target := range r.aliases {
		if target == oldKey {
			r.aliases[alias] = newKey
		}
	}
	r.aliases[oldKey] = newKey
	room.key = newKey
	room.base = version
	room.lastActive = r.now()
	slow := room.broadcastLocked(Event{
		Type:     "committed",
		Room:     newKey,
		Revision: room.revision,
		Version:  &VersionRef{ID: version.ID, Seq: version.Seq},
		From:     version.AuthorID,
	}, nil)
	for _, s := range slow {
		r.evictLocked(room, s, "slow consumer")
	}
	room.mu.Unlock()
	r.mu.Unlock()

	if r.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.presence.ClearPresence(ctx, oldKey.String()); err != nil {
			r.log.Warn().Err(err).Str("room", oldKey.String()).Msg("clear presence failed")
		}
	}
	r.publishPresence(room)
}

// Sweep evicts participants silent for longer than the idle timeout and
// discards rooms left empty. It returns the number of rooms discarded.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var touched []*Room
	closed := 0
	for _, room := range r.rooms {
		room.mu.Lock()
		for _, h := range room.participants {
			if now.Sub(h.lastSeen) > r.idleTimeout {
				r.evictLocked(room, h, "idle")
			}
		}
		if !room.closed && len(room.participants) == 0 {
			r.closeLocked(room, "idle")
		}
		if room.closed {
			closed++
		}
		touched = append(touched, room)
		room.mu.Unlock()
	}
	r.mu.Unlock()

	for _, room := range touched {
		r.publishPresence(room)
	}
	return closed
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.log.Debug().Int("rooms", n).Msg("idle rooms discarded")
			}
		}
	}
}

func (r *Registry) publishPresence(room *Room) {
	if r.presence == nil {
		return
	}
	room.mu.Lock()
	key := room.key.String()
	closed := room.closed
	entries := make([]session.PresenceEntry, 0, len(room.participants))
	for _, h := range room.participants {
		entries = append(entries, session.PresenceEntry{UserID: h.participant.UserID, Name: h.participant.Name, JoinedAt: h.joinedAt})
	}
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if closed {
		err = r.presence.ClearPresence(ctx, key)
	} else {
		err = r.presence.PublishPresence(ctx, key, entries)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("room", key).Msg("publish presence failed")
	}
}
