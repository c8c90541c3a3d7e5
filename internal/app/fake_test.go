package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postwork/api/internal/export"
	"postwork/api/internal/gitrepo"
	"postwork/api/internal/search"
	"postwork/api/internal/session"
	"postwork/api/internal/store"
)

// memStore is an in-memory stand-in for store.PostgresStore covering what the
// service, the ledger and the room registry read and write.
type memStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	projects    map[string]store.Project
	memberships map[string]store.Membership
	versions    map[string]store.Version
	comments    map[string]store.Comment
	points      []store.PointsTransaction
	clock       time.Time
	pingErr     error
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]store.User{},
		projects:    map[string]store.Project{},
		memberships: map[string]store.Membership{},
		versions:    map[string]store.Version{},
		comments:    map[string]store.Comment{},
		clock:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) ref(userID string) store.UserRef {
	u := m.users[userID]
	return store.UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return store.ErrDuplicateEmail
		}
	}
	user.CreatedAt = m.tick()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memStore) FindUserByEmailOrName(_ context.Context, needle string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, needle) || u.Name == needle {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) ListPointsTransactions(_ context.Context, userID string) ([]store.PointsTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.PointsTransaction{}
	for i := len(m.points) - 1; i >= 0; i-- {
		if m.points[i].UserID == userID {
			out = append(out, m.points[i])
		}
	}
	return out, nil
}

func (m *memStore) CreateProject(_ context.Context, p store.Project) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	p.Owner = m.ref(p.OwnerID)
	p.CreatedAt, p.UpdatedAt = now, now
	m.projects[p.ID] = p
	return p, nil
}

func (m *memStore) GetProject(_ context.Context, id string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *memStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Project{}
	for _, p := range m.projects {
		member, ok := m.memberships[p.ID+"/"+userID]
		if p.OwnerID == userID || (ok && member.Status == store.MemberAccepted) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) DeleteProject(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return false, nil
	}
	delete(m.projects, id)
	for key, v := range m.versions {
		if v.ProjectID == id {
			delete(m.versions, key)
		}
	}
	for key, c := range m.comments {
		if c.ProjectID == id {
			delete(m.comments, key)
		}
	}
	return true, nil
}

func (m *memStore) GetProjectAccess(_ context.Context, projectID, userID string) (store.ProjectAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return store.ProjectAccess{}, sql.ErrNoRows
	}
	access := store.ProjectAccess{ProjectID: p.ID, OwnerID: p.OwnerID}
	if member, ok := m.memberships[projectID+"/"+userID]; ok {
		access.Role, access.Status = member.Role, member.Status
	}
	return access, nil
}

func (m *memStore) UpsertMembership(_ context.Context, membership store.Membership) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membership.ProjectID + "/" + membership.UserID
	if existing, ok := m.memberships[key]; ok {
		existing.Role = membership.Role
		m.memberships[key] = existing
		return existing, nil
	}
	membership.Status = store.MemberPending
	membership.CreatedAt = m.tick()
	m.memberships[key] = membership
	return membership, nil
}

func (m *memStore) ListPendingInvitations(_ context.Context, userID string) ([]store.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Invitation{}
	for _, member := range m.memberships {
		if member.UserID == userID && member.Status == store.MemberPending {
			out = append(out, store.Invitation{Membership: member, Project: m.projects[member.ProjectID]})
		}
	}
	return out, nil
}

func (m *memStore) AcceptInvitation(_ context.Context, projectID, userID string, inviteePts, ownerPts int) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projectID + "/" + userID
	member, ok := m.memberships[key]
	if !ok {
		return store.Membership{}, sql.ErrNoRows
	}
	if member.Status == store.MemberAccepted {
		return store.Membership{}, store.ErrAlreadyAccepted
	}
	member.Status = store.MemberAccepted
	m.memberships[key] = member

	owner := m.projects[projectID].OwnerID
	m.award(userID, "INVITATION_ACCEPTED", inviteePts, projectID, userID)
	m.award(owner, "MEMBER_JOINED", ownerPts, projectID, userID)
	return member, nil
}

func (m *memStore) award(userID, action string, pts int, projectID, performer string) {
	u := m.users[userID]
	u.Points += pts
	m.users[userID] = u
	m.points = append(m.points, store.PointsTransaction{
		ID:          int64(len(m.points) + 1),
		UserID:      userID,
		ActionType:  action,
		Points:      pts,
		ProjectID:   projectID,
		PerformerID: performer,
		CreatedAt:   m.tick(),
	})
}

func (m *memStore) DeclineInvitation(_ context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projectID + "/" + userID
	if _, ok := m.memberships[key]; !ok {
		return sql.ErrNoRows
	}
	delete(m.memberships, key)
	m.award(m.projects[projectID].OwnerID, "INVITATION_DECLINED", 0, projectID, userID)
	return nil
}

func (m *memStore) AppendVersion(_ context.Context, v store.Version) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[v.ProjectID]
	if !ok {
		return store.Version{}, sql.ErrNoRows
	}
	p.LastVersionSeq++
	if v.Language == "" {
		v.Language = p.Language
	}
	v.Seq = p.LastVersionSeq
	v.CreatedAt = m.tick()
	m.projects[p.ID] = p
	m.versions[v.ID] = v
	return v, nil
}

func (m *memStore) GetVersion(_ context.Context, projectID, versionID string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[versionID]
	if !ok || v.ProjectID != projectID {
		return store.Version{}, sql.ErrNoRows
	}
	return v, nil
}

func (m *memStore) LatestVersion(_ context.Context, projectID string) (store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest store.Version
	found := false
	for _, v := range m.versions {
		if v.ProjectID == projectID && (!found || v.Seq > latest.Seq) {
			latest, found = v, true
		}
	}
	if !found {
		return store.Version{}, sql.ErrNoRows
	}
	return latest, nil
}

func (m *memStore) ListVersions(_ context.Context, projectID string) ([]store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Version{}
	for _, v := range m.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (m *memStore) SetVersionCommitHash(_ context.Context, versionID, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[versionID]
	if !ok {
		return false, nil
	}
	v.CommitHash = hash
	m.versions[versionID] = v
	return true, nil
}

func (m *memStore) CreateComment(_ context.Context, c store.Comment, snapshot func(string) string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[c.CreatedOnVersionID]
	if !ok || v.ProjectID != c.ProjectID {
		return store.Comment{}, sql.ErrNoRows
	}
	now := m.tick()
	c.OriginalCode = snapshot(v.Code)
	c.CreatedOnSeq = v.Seq
	c.Author = m.ref(c.AuthorID)
	c.CreatedAt, c.UpdatedAt = now, now
	m.comments[c.ID] = c
	return c, nil
}

func (m *memStore) GetComment(_ context.Context, projectID, commentID string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok || c.ProjectID != projectID {
		return store.Comment{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) ResolveComment(_ context.Context, projectID, commentID, versionID, resolvedBy string, decide store.ResolveDecision) (store.Comment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok || c.ProjectID != projectID {
		return store.Comment{}, false, sql.ErrNoRows
	}
	v, ok := m.versions[versionID]
	if !ok || v.ProjectID != projectID {
		return store.Comment{}, false, sql.ErrNoRows
	}
	apply, err := decide(c, v)
	if err != nil || !apply {
		return c, false, err
	}
	id, seq, by := v.ID, v.Seq, resolvedBy
	c.ResolvedOnVersionID, c.ResolvedOnSeq, c.ResolvedBy = &id, &seq, &by
	c.UpdatedAt = m.tick()
	m.comments[commentID] = c
	return c, true, nil
}

func (m *memStore) ReopenComment(_ context.Context, projectID, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok || c.ProjectID != projectID || !c.IsResolved() {
		return false, nil
	}
	c.ResolvedOnVersionID, c.ResolvedOnSeq, c.ResolvedBy = nil, nil, nil
	m.comments[commentID] = c
	return true, nil
}

func (m *memStore) ListComments(_ context.Context, projectID string) ([]store.Comment, error) {
	return m.listComments(func(c store.Comment) bool { return c.ProjectID == projectID }), nil
}

func (m *memStore) ListCommentsForVersion(_ context.Context, projectID, versionID string) ([]store.Comment, error) {
	return m.listComments(func(c store.Comment) bool {
		return c.ProjectID == projectID && c.CreatedOnVersionID == versionID
	}), nil
}

func (m *memStore) listComments(keep func(store.Comment) bool) []store.Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Comment{}
	for _, c := range m.comments {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedOnSeq != out[j].CreatedOnSeq {
			return out[i].CreatedOnSeq > out[j].CreatedOnSeq
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// fakeMirror records mirrored versions instead of writing a git repository.
type fakeMirror struct {
	mu        sync.Mutex
	commits   map[string][]store.CommitInfo
	removed   []string
	commitErr error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{commits: map[string][]store.CommitInfo{}}
}

func (f *fakeMirror) CommitVersion(v store.Version, author string) (gitrepo.Mirrored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return gitrepo.Mirrored{}, f.commitErr
	}
	info := store.CommitInfo{
		Hash:      fmt.Sprintf("%040d", v.Seq),
		Message:   fmt.Sprintf("v%d", v.Seq),
		Author:    author,
		CreatedAt: v.CreatedAt,
	}
	f.commits[v.ProjectID] = append([]store.CommitInfo{info}, f.commits[v.ProjectID]...)
	return gitrepo.Mirrored{Hash: info.Hash, Commit: info}, nil
}

func (f *fakeMirror) History(projectID string, limit int) ([]store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items, ok := f.commits[projectID]
	if !ok {
		return nil, gitrepo.ErrNoRepo
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeMirror) Diff(projectID string, from, to int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.commits[projectID]; !ok {
		return "", gitrepo.ErrNoRepo
	}
	return fmt.Sprintf("diff v%d..v%d", from, to), nil
}

func (f *fakeMirror) Remove(projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.commits, projectID)
	f.removed = append(f.removed, projectID)
	return nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed map[string]search.CommentRecord
	queries []search.Query
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{indexed: map[string]search.CommentRecord{}}
}

func (f *fakeSearch) IndexComment(r search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[r.ID] = r
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	results := []search.Result{}
	for _, r := range f.indexed {
		if r.ProjectID == q.ProjectID && strings.Contains(r.Body, q.Text) && (q.IncludeResolved || !r.Resolved) {
			results = append(results, search.Result{ID: r.ID, ProjectID: r.ProjectID, Snippet: r.Body, Resolved: r.Resolved})
		}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text, Backend: "fake"}
}

type fakeExporter struct {
	url     string
	err     error
	reports []export.Report
}

func (f *fakeExporter) Export(_ context.Context, r export.Report, format export.Format) (*export.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reports = append(f.reports, r)
	return &export.Result{
		Data:     []byte("<html>" + r.ProjectName + "</html>"),
		Filename: "report." + string(format),
		MimeType: "text/html; charset=utf-8",
		URL:      f.url,
	}, nil
}

type fakePresence struct {
	rooms map[string][]session.PresenceEntry
	err   error
}

func (f *fakePresence) ActiveRooms(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, 0, len(f.rooms))
	for room := range f.rooms {
		out = append(out, room)
	}
	return out, nil
}

func (f *fakePresence) Presence(_ context.Context, room string) ([]session.PresenceEntry, error) {
	return f.rooms[room], nil
}

var errUnavailable = errors.New("connection refused")
