// Package rbac defines the ordered permission levels used for boards and
// the actions each level unlocks.
package rbac

import (
	"context"
	"strings"
)

type Level int

const (
	LevelNone   Level = 0
	LevelRead   Level = 1
	LevelEdit   Level = 2
	LevelUpload Level = 4
	LevelCreate Level = 8
	LevelDelete Level = 16
	LevelAdmin  Level = 255
)

type Action string

const (
	ActionRead   Action = "read"
	ActionEdit   Action = "edit"
	ActionUpload Action = "upload"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Required returns the lowest level that may perform action. Unknown
// actions require admin.
func Required(action Action) Level {
	switch action {
	case ActionRead:
		return LevelRead
	case ActionEdit:
		return LevelEdit
	case ActionUpload:
		return LevelUpload
	case ActionCreate:
		return LevelCreate
	case ActionDelete:
		return LevelDelete
	default:
		return LevelAdmin
	}
}

func Can(level Level, action Action) bool {
	return level >= Required(action)
}

func (l Level) String() string {
	switch {
	case l >= LevelAdmin:
		return "admin"
	case l >= LevelDelete:
		return "delete"
	case l >= LevelCreate:
		return "create"
	case l >= LevelUpload:
		return "upload"
	case l >= LevelEdit:
		return "edit"
	case l >= LevelRead:
		return "read"
	default:
		return "none"
	}
}

// ParseLevel maps a level name onto its value. Unknown names are none.
func ParseLevel(name string) Level {
	switch Action(strings.ToLower(strings.TrimSpace(name))) {
	case ActionRead:
		return LevelRead
	case ActionEdit:
		return LevelEdit
	case ActionUpload:
		return LevelUpload
	case ActionCreate:
		return LevelCreate
	case ActionDelete:
		return LevelDelete
	case ActionAdmin:
		return LevelAdmin
	default:
		return LevelNone
	}
}

// Checker resolves a user's level on a resource.
type Checker interface {
	CheckPermission(ctx context.Context, user, resourceID string) (Level, error)
}

// StaticPolicy grants every user the same level and a fixed set of users
// admin. It backs deployments without a grants database.
type StaticPolicy struct {
	Default Level
	Admins  map[string]struct{}
}

func NewStaticPolicy(defaultLevel Level, admins []string) *StaticPolicy {
	p := &StaticPolicy{Default: defaultLevel, Admins: make(map[string]struct{}, len(admins))}
	for _, admin := range admins {
		p.Admins[admin] = struct{}{}
	}
	return p
}

func (p *StaticPolicy) CheckPermission(_ context.Context, user, _ string) (Level, error) {
	if _, ok := p.Admins[user]; ok {
		return LevelAdmin, nil
	}
	return p.Default, nil
}
