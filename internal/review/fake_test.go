package review

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"postwork/api/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	projects  map[string]store.ProjectAccess
	members   map[string]store.ProjectAccess
	versions  map[string]store.Version
	comments  map[string]store.Comment
	clock     time.Time
	accessErr error
}

func newMemStore() *memStore {
	return &memStore{
		projects: map[string]store.ProjectAccess{},
		members:  map[string]store.ProjectAccess{},
		versions: map[string]store.Version{},
		comments: map[string]store.Comment{},
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) addProject(projectID, ownerID string) {
	m.projects[projectID] = store.ProjectAccess{ProjectID: projectID, OwnerID: ownerID}
}

func (m *memStore) addMember(projectID, userID, role, status string) {
	m.members[projectID+"/"+userID] = store.ProjectAccess{ProjectID: projectID, Role: role, Status: status}
}

func (m *memStore) addVersion(projectID, versionID string, seq int64, code string) store.Version {
	v := store.Version{ID: versionID, ProjectID: projectID, Seq: seq, Code: code, CreatedAt: m.clock}
	m.versions[versionID] = v
	return v
}

func (m *memStore) GetProjectAccess(_ context.Context, projectID, userID string) (store.ProjectAccess, error) {
	if m.accessErr != nil {
		return store.ProjectAccess{}, m.accessErr
	}
	project, ok := m.projects[projectID]
	if !ok {
		return store.ProjectAccess{}, sql.ErrNoRows
	}
	if member, ok := m.members[projectID+"/"+userID]; ok {
		project.Role = member.Role
		project.Status = member.Status
	}
	return project, nil
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

func (m *memStore) CreateComment(_ context.Context, comment store.Comment, snapshot func(string) string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[comment.CreatedOnVersionID]
	if !ok || v.ProjectID != comment.ProjectID {
		return store.Comment{}, sql.ErrNoRows
	}
	m.clock = m.clock.Add(time.Second)
	comment.OriginalCode = snapshot(v.Code)
	comment.CreatedOnSeq = v.Seq
	comment.CreatedAt = m.clock
	comment.UpdatedAt = m.clock
	comment.Author = store.UserRef{ID: comment.AuthorID}
	m.comments[comment.ID] = comment
	return comment, nil
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
	if err != nil {
		return store.Comment{}, false, err
	}
	if !apply {
		return c, false, nil
	}
	id, seq, by := v.ID, v.Seq, resolvedBy
	c.ResolvedOnVersionID = &id
	c.ResolvedOnSeq = &seq
	c.ResolvedBy = &by
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
	return m.list(func(c store.Comment) bool { return c.ProjectID == projectID }), nil
}

func (m *memStore) ListCommentsForVersion(_ context.Context, projectID, versionID string) ([]store.Comment, error) {
	return m.list(func(c store.Comment) bool {
		return c.ProjectID == projectID && c.CreatedOnVersionID == versionID
	}), nil
}

func (m *memStore) list(keep func(store.Comment) bool) []store.Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Comment, 0)
	for _, c := range m.comments {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CreatedOnSeq != b.CreatedOnSeq {
			return a.CreatedOnSeq > b.CreatedOnSeq
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

type fakeAnchorer struct {
	open     map[string]bool
	issued   []string
	released []string
}

func (f *fakeAnchorer) Anchor(projectID, versionID string, line, endLine int) (string, bool) {
	if !f.open[projectID+"/"+versionID] {
		return "", false
	}
	token := "anc_test"
	f.issued = append(f.issued, token)
	return token, true
}

func (f *fakeAnchorer) ReleaseAnchor(_, _, token string) {
	f.released = append(f.released, token)
}
