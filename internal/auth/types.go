// Package auth resolves request credentials to principals and answers
// capability questions about them. Four credential kinds are supported
// (API keys, internal service tokens, OIDC bearer tokens, and trusted
// proxy headers), all collapsing to the same Principal so the rest of
// the pipeline never cares which kind arrived.
package auth

import (
	"time"

	"github.com/google/uuid"
)

// Role names a static capability set.
type Role string

// Roles understood by the gateway.
const (
	RolePlatformManager Role = "platform-manager"
	RoleStandardUser    Role = "standard-user"
	RoleRequestViewer   Role = "request-viewer"
	RoleBillingManager  Role = "billing-manager"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePlatformManager, RoleStandardUser, RoleRequestViewer, RoleBillingManager:
		return Role(s), true
	}
	return "", false
}

// Resource is a capability domain.
type Resource string

// Resources gated by the role table.
const (
	ResourceUsers     Resource = "users"
	ResourceModels    Resource = "models"
	ResourceAPIKeys   Resource = "api_keys"
	ResourceCredits   Resource = "credits"
	ResourceProbes    Resource = "probes"
	ResourceRequests  Resource = "requests"
	ResourceAnalytics Resource = "analytics"
)

// Operation is an action on a resource.
type Operation string

// Operations gated by the role table.
const (
	OpCreate  Operation = "create"
	OpReadOwn Operation = "read_own"
	OpReadAll Operation = "read_all"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpTest    Operation = "test"
)

// roleTable is the static role → capability map. Admin principals bypass
// it entirely. Platform managers deliberately have no Requests access:
// raw request bodies are visible only to request viewers.
var roleTable = map[Role]map[Resource][]Operation{
	RolePlatformManager: {
		ResourceUsers:     {OpCreate, OpReadOwn, OpReadAll, OpUpdate, OpDelete},
		ResourceModels:    {OpCreate, OpReadOwn, OpReadAll, OpUpdate, OpDelete},
		ResourceAPIKeys:   {OpCreate, OpReadOwn, OpReadAll, OpUpdate, OpDelete},
		ResourceCredits:   {OpCreate, OpReadOwn, OpReadAll},
		ResourceProbes:    {OpCreate, OpReadOwn, OpReadAll, OpUpdate, OpDelete, OpTest},
		ResourceAnalytics: {OpReadOwn, OpReadAll},
	},
	RoleStandardUser: {
		ResourceUsers:   {OpReadOwn, OpUpdate},
		ResourceModels:  {OpReadOwn},
		ResourceAPIKeys: {OpCreate, OpReadOwn, OpUpdate, OpDelete},
		ResourceCredits: {OpReadOwn},
	},
	RoleRequestViewer: {
		ResourceUsers:     {OpReadOwn},
		ResourceCredits:   {OpReadOwn},
		ResourceRequests:  {OpReadOwn, OpReadAll},
		ResourceAnalytics: {OpReadOwn, OpReadAll},
	},
	RoleBillingManager: {
		ResourceUsers:   {OpReadOwn, OpReadAll},
		ResourceCredits: {OpCreate, OpReadOwn, OpReadAll},
	},
}

// Principal is the resolved identity for one request. It is created per
// request, carried on the request context, and never persisted.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Roles  []Role
	Admin  bool

	// KeyID is set when the credential was an API key; rate limiting
	// keys off it so two keys of one user get independent buckets.
	KeyID *uuid.UUID

	// Models is the resolved set of aliases this principal may use.
	// Empty means unrestricted: the admin surface restricts a user by
	// listing aliases, not by enumerating everything allowed.
	Models []string
}

// Subject returns the rate-limit identity: the API key id when the
// credential was a key, otherwise the user id.
func (p *Principal) Subject() string {
	if p.KeyID != nil {
		return p.KeyID.String()
	}
	return p.UserID.String()
}

// Can reports whether the principal may perform op on resource.
func (p *Principal) Can(resource Resource, op Operation) bool {
	if p.Admin {
		return true
	}
	for _, role := range p.Roles {
		for _, allowed := range roleTable[role][resource] {
			if allowed == op {
				return true
			}
		}
	}
	return false
}

// CanUseModel reports whether the principal may send traffic to alias.
// An empty model set leaves access unrestricted.
func (p *Principal) CanUseModel(alias string) bool {
	if p.Admin || len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == alias {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// User is a stored account. The admin surface owns its lifecycle; the
// gateway only reads it during credential resolution.
type User struct {
	ID        uuid.UUID
	Email     string
	Roles     []Role
	Admin     bool
	Active    bool
	Models    []string // resolved accessible aliases, maintained by the admin surface
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey is a stored key record. Hash is the SHA-256 hex digest of the
// full key; the key itself is never stored.
type APIKey struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Hash       string
	Name       string
	Active     bool
	ExpiresAt  *time.Time
	Models     []string // non-empty narrows the owning user's set
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
