package auth

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

//go:embed policy/model.conf
var embeddedModel string

//go:embed policy/policy.csv
var embeddedPolicy string

// Actions checked by the hub.
const (
	ActionJoin = "join"
	ActionRead = "read"
)

// selfID replaces the caller's own id in an object before enforcement.
const selfID = "self"

// Authorizer decides which groups a hub caller may join, using a
// role-based casbin policy with keyMatch wildcards.
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewAuthorizer loads the embedded model and policy.
func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}
	if err := loadPolicy(enforcer, embeddedPolicy); err != nil {
		return nil, err
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch {
		case parts[0] == "p" && len(parts) == 4:
			if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("failed to add policy %v: %w", parts[1:], err)
			}
		case parts[0] == "g" && len(parts) == 3:
			if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("failed to add grouping policy %v: %w", parts[1:], err)
			}
		default:
			return fmt.Errorf("malformed policy line %q", line)
		}
	}
	return nil
}

// CanJoin reports whether the caller may join the hub group named
// wireGroup, e.g. "Technician_42".
func (a *Authorizer) CanJoin(claims *Claims, wireGroup string) (bool, error) {
	if claims == nil || claims.Role == "" {
		return false, nil
	}
	obj := wireGroup
	switch {
	case claims.UserID != "" && wireGroup == "User_"+claims.UserID:
		obj = "User_" + selfID
	case claims.TechnicianID != "" && wireGroup == "Technician_"+claims.TechnicianID:
		obj = "Technician_" + selfID
	}
	return a.enforcer.Enforce(claims.Role, obj, ActionJoin)
}

// CanRead reports whether the caller may read entity status of a kind.
func (a *Authorizer) CanRead(claims *Claims, kind string) (bool, error) {
	if claims == nil || claims.Role == "" {
		return false, nil
	}
	return a.enforcer.Enforce(claims.Role, "status:"+kind, ActionRead)
}
