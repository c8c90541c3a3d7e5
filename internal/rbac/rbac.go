package rbac

// Level is a caller's membership level within one project.
type Level string
type Action string

const (
	LevelOwner      Level = "owner"
	LevelMaintainer Level = "maintainer"
	LevelReviewer   Level = "reviewer"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionResolve Action = "resolve"
	ActionEdit    Action = "edit"
	ActionCommit  Action = "commit"
	ActionInvite  Action = "invite"
	ActionDelete  Action = "delete"
)

func Can(level Level, action Action) bool {
	switch level {
	case LevelOwner:
		return true
	case LevelMaintainer:
		return action == ActionRead || action == ActionComment || action == ActionResolve || action == ActionEdit || action == ActionCommit
	case LevelReviewer:
		return action == ActionRead || action == ActionComment || action == ActionResolve
	default:
		return false
	}
}

// Normalize maps stored member roles onto a Level. Unknown roles get the
// narrowest level.
func Normalize(role string) Level {
	switch Level(role) {
	case LevelOwner, LevelMaintainer, LevelReviewer:
		return Level(role)
	case "MAINTAINER":
		return LevelMaintainer
	case "REVIEWER":
		return LevelReviewer
	case "OWNER":
		return LevelOwner
	default:
		return LevelReviewer
	}
}

// Invitable reports whether a role may be granted through an invitation.
func Invitable(level Level) bool {
	return level == LevelMaintainer || level == LevelReviewer
}
