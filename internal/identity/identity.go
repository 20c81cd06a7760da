package identity

import "context"

type ID string

// Resolver maps an identity to a display name. Read-only collaborator owned
// by the contact layer; the call subsystem never mutates identities.
type Resolver interface {
	Resolve(ctx context.Context, id ID) (string, error)
}

// StaticResolver resolves from a fixed map and falls back to the raw ID.
type StaticResolver map[ID]string

func (r StaticResolver) Resolve(_ context.Context, id ID) (string, error) {
	if name, ok := r[id]; ok {
		return name, nil
	}
	return string(id), nil
}
