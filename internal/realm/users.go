package realm

import "context"

// StaticUserStore is an in-memory UserFinder over the configuration's user
// list. Each user is a flat attribute map; lookups scan for the entry whose
// named attribute equals the asserted value.
type StaticUserStore struct {
	users []map[string]string
}

// NewStaticUserStore copies the user list so later config mutations cannot
// reach into the store.
func NewStaticUserStore(users []map[string]string) *StaticUserStore {
	copied := make([]map[string]string, 0, len(users))
	for _, u := range users {
		entry := make(map[string]string, len(u))
		for k, v := range u {
			entry[k] = v
		}
		copied = append(copied, entry)
	}
	return &StaticUserStore{users: copied}
}

// FindUser returns a copy of the matching user, or nil when no entry
// carries the value.
func (s *StaticUserStore) FindUser(ctx context.Context, field, value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}
	for _, u := range s.users {
		if u[field] == value {
			out := make(map[string]string, len(u))
			for k, v := range u {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, nil
}

// Len returns the number of users in the store.
func (s *StaticUserStore) Len() int {
	return len(s.users)
}
