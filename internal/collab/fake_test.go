package collab

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"postwork/api/internal/session"
	"postwork/api/internal/store"
)

type fakeVersions struct {
	mu          sync.Mutex
	versions    map[string]store.Version
	lastSeq     map[string]int64
	gets        int
	appends     int
	appendDelay time.Duration
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{versions: map[string]store.Version{}, lastSeq: map[string]int64{}}
}

func (f *fakeVersions) add(projectID, versionID, code string) store.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeq[projectID]++
	v := store.Version{ID: versionID, ProjectID: projectID, Seq: f.lastSeq[projectID], Language: "go", Code: code}
	f.versions[versionID] = v
	return v
}

func (f *fakeVersions) GetVersion(_ context.Context, projectID, versionID string) (store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.versions[versionID]
	if !ok || v.ProjectID != projectID {
		return store.Version{}, sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeVersions) AppendVersion(_ context.Context, v store.Version) (store.Version, error) {
	if f.appendDelay > 0 {
		time.Sleep(f.appendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	f.lastSeq[v.ProjectID]++
	v.Seq = f.lastSeq[v.ProjectID]
	f.versions[v.ID] = v
	return v, nil
}

func (f *fakeVersions) count(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.versions {
		if v.ProjectID == projectID {
			n++
		}
	}
	return n
}

type fakeComments struct {
	items []store.Comment
	err   error
}

func (f *fakeComments) ListCommentsForVersion(_ context.Context, projectID, versionID string) ([]store.Comment, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.Comment, 0)
	for _, c := range f.items {
		if c.ProjectID == projectID && c.CreatedOnVersionID == versionID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeLocker struct {
	err   error
	calls []string
}

func (f *fakeLocker) Acquire(_ context.Context, name string, _ time.Duration) (func(), error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return func() {}, nil
}

type fakePresence struct {
	mu        sync.Mutex
	published map[string][]session.PresenceEntry
	cleared   []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{published: map[string][]session.PresenceEntry{}}
}

func (f *fakePresence) PublishPresence(_ context.Context, room string, entries []session.PresenceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[room] = entries
	return nil
}

func (f *fakePresence) ClearPresence(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.published, room)
	f.cleared = append(f.cleared, room)
	return nil
}

func (f *fakePresence) entries(room string) []session.PresenceEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[room]
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
