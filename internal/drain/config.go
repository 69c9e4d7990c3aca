// Package drain implements online log template mining using the Drain
// fixed-depth parse tree algorithm (He, Zhu, Zheng & Lyu, ICWS 2017).
//
// A Tree groups log lines first by token count, then by the tokens at each
// depth below the root, down to a leaf bucket of LogCluster candidates
// matched by sequence similarity. Templates generalize monotonically: once
// a position becomes a wildcard it never reverts to a concrete token.
package drain

// Config controls the tree's shape and matching behavior.
type Config struct {
	// MaxDepth bounds how many token positions route through internal
	// nodes before falling to leaf-level cluster matching.
	MaxDepth int
	// SimThreshold is the minimum sequence similarity (0-1) required to
	// match an existing cluster rather than create a new one.
	SimThreshold float64
	// MaxChildren bounds the branching factor of any single node before
	// further children collapse onto a shared wildcard child.
	MaxChildren int
}

// DefaultConfig returns the tuning used when no override is configured.
func DefaultConfig() Config {
	return Config{
		MaxDepth:     4,
		SimThreshold: 0.4,
		MaxChildren:  100,
	}
}
