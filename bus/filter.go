package bus

// Filter is a per-subscription predicate over an event's scope.
type Filter func(scope string) bool

// ScopeEquals accepts events whose scope is exactly scope.
func ScopeEquals(scope string) Filter {
	return func(s string) bool {
		return s == scope
	}
}

// ScopeIn accepts events whose scope is any of scopes.
func ScopeIn(scopes ...string) Filter {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return func(s string) bool {
		_, ok := set[s]
		return ok
	}
}

func MatchAll() Filter {
	return func(string) bool { return true }
}
