package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAuthor    Role = "author"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionEdit     Action = "edit"
	ActionSubmit   Action = "submit"
	ActionModerate Action = "moderate"
	ActionArchive  Action = "archive"
	ActionPurge    Action = "purge"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionEdit || action == ActionSubmit ||
			action == ActionModerate || action == ActionArchive
	case RoleAuthor:
		return action == ActionRead || action == ActionEdit || action == ActionSubmit ||
			action == ActionArchive
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAuthor, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
