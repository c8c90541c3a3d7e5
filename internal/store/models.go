package store

import "time"

const (
	MemberPending  = "PENDING"
	MemberAccepted = "ACCEPTED"
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Points       int
	CreatedAt    time.Time
}

// UserRef is the public projection of a user embedded in other records.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Project struct {
	ID             string
	OwnerID        string
	Owner          UserRef
	Name           string
	Description    string
	Language       string
	LastVersionSeq int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Membership struct {
	ProjectID string
	UserID    string
	Role      string
	Status    string
	InvitedBy string
	CreatedAt time.Time
}

// ProjectAccess is the raw input of the authorization gate. Role and Status are
// empty when the user has no membership row.
type ProjectAccess struct {
	ProjectID string
	OwnerID   string
	Role      string
	Status    string
}

type Invitation struct {
	Membership
	Project Project
}

type Version struct {
	ID         string
	ProjectID  string
	Seq        int64
	AuthorID   string
	Language   string
	Code       string
	CommitHash string
	CreatedAt  time.Time
}

type Comment struct {
	ID                  string
	ProjectID           string
	AuthorID            string
	Author              UserRef
	CreatedOnVersionID  string
	CreatedOnSeq        int64
	Line                int
	EndLine             *int
	Body                string
	OriginalCode        string
	LiveAnchor          *string
	ResolvedOnVersionID *string
	ResolvedOnSeq       *int64
	ResolvedBy          *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsResolved reports whether the comment carries a resolution.
func (c Comment) IsResolved() bool {
	return c.ResolvedOnVersionID != nil && c.ResolvedOnSeq != nil
}

// LastLine is the inclusive end of the comment's range.
func (c Comment) LastLine() int {
	if c.EndLine != nil {
		return *c.EndLine
	}
	return c.Line
}

type PointsTransaction struct {
	ID          int64
	UserID      string
	ActionType  string
	Points      int
	ProjectID   string
	PerformerID string
	CreatedAt   time.Time
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}
