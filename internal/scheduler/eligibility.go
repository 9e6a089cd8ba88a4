package scheduler

import "inactivity/internal/types"

// Eligible reports whether the lifecycle may act on the user at all. Exempt
// accounts and accounts that are already locked out never are.
func Eligible(u types.User) bool {
	return !u.IsExempt && !u.IsLockedOut
}

// Filter drops ineligible users, preserving order.
func Filter(candidates []types.User) []types.User {
	out := make([]types.User, 0, len(candidates))
	for _, u := range candidates {
		if Eligible(u) {
			out = append(out, u)
		}
	}
	return out
}

// FilterByName keeps only users whose name is listed. An empty list keeps
// everyone.
func FilterByName(candidates []types.User, names []string) []types.User {
	if len(names) == 0 {
		return candidates
	}
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	out := make([]types.User, 0, len(candidates))
	for _, u := range candidates {
		if _, ok := allowed[u.Name]; ok {
			out = append(out, u)
		}
	}
	return out
}
