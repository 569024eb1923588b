// Package reachability implements the Reachability & Depth component
// (spec §4.10): ancestor checks and shallow-boundary computation by
// depth, time, or exclude-refs, walking commit history through the
// Object Database collaborator interface rather than any concrete
// storage.
package reachability

import (
	"context"
	"fmt"

	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/objutil"
)

// defaultWalkBudget bounds how many commits a single walk will visit
// before giving up conservatively (spec §4.10 "walks that would exceed
// budget return conservative results").
const defaultWalkBudget = 1_000_000

// Checker walks commit ancestry through db, implementing the Policy
// Engine's FastForwardChecker collaborator contract as well as the
// standalone Reachability operations upload-pack negotiation needs.
type Checker struct {
	db     odb.Database
	budget int
}

// New builds a Checker with the default walk budget.
func New(db odb.Database) *Checker {
	return &Checker{db: db, budget: defaultWalkBudget}
}

// WithBudget overrides the maximum number of commits a single walk will
// visit.
func (c *Checker) WithBudget(budget int) *Checker {
	c.budget = budget
	return c
}

// IsFastForward reports whether old is reachable from new by walking
// new's ancestry (spec §4.10 Ancestor(old, new); also the Policy Engine's
// deny_non_fast_forwards collaborator).
func (c *Checker) IsFastForward(ctx context.Context, db odb.Database, old, new objutil.ID) (bool, error) {
	return c.IsAncestor(ctx, old, new)
}

// IsAncestor reports whether a is d itself, or reachable by walking
// d's commit parents (spec §4.10 Ancestor(a, d)).
func (c *Checker) IsAncestor(ctx context.Context, a, d objutil.ID) (bool, error) {
	if a.Equal(d) {
		return true, nil
	}
	if a.IsZero() {
		// a zero old-id means "ref did not exist"; vacuously an ancestor
		// of anything (create is always a fast-forward).
		return true, nil
	}

	visited := map[objutil.ID]bool{}
	queue := []objutil.ID{d}
	visited[d] = true
	visitedCount := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if visitedCount >= c.budget {
			return false, nil
		}
		current := queue[0]
		queue = queue[1:]
		visitedCount++

		if current.Equal(a) {
			return true, nil
		}

		parents, err := c.db.Parents(ctx, current)
		if err != nil {
			return false, fmt.Errorf("reachability: reading parents of %s: %w", current, err)
		}
		for _, p := range parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}

// Frontier is one commit reached by a shallow-boundary walk, together
// with its BFS generation (distance from a want tip).
type Frontier struct {
	ID         objutil.ID
	Generation int
}

// ShallowFromDepth computes the new shallow boundary set for a deepen(n)
// request: commits at generation n-1 from any of wants, the wants
// themselves being generation 0 (spec §4.10 "Shallow from depth n").
func (c *Checker) ShallowFromDepth(ctx context.Context, wants []objutil.ID, depth int) ([]objutil.ID, error) {
	visited := map[objutil.ID]int{}
	queue := make([]Frontier, 0, len(wants))
	for _, w := range wants {
		visited[w] = 0
		queue = append(queue, Frontier{ID: w, Generation: 0})
	}

	var boundaries []objutil.ID
	visitedCount := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visitedCount >= c.budget {
			return boundaries, nil
		}
		cur := queue[0]
		queue = queue[1:]
		visitedCount++

		if cur.Generation >= depth-1 {
			boundaries = append(boundaries, cur.ID)
			continue
		}

		parents, err := c.db.Parents(ctx, cur.ID)
		if err != nil {
			return nil, fmt.Errorf("reachability: reading parents of %s: %w", cur.ID, err)
		}
		for _, p := range parents {
			if g, ok := visited[p]; !ok || g > cur.Generation+1 {
				visited[p] = cur.Generation + 1
				queue = append(queue, Frontier{ID: p, Generation: cur.Generation + 1})
			}
		}
	}
	return boundaries, nil
}

// ShallowFromSince computes the shallow boundary set for a
// deepen-since(t) request: any commit with committer time < t becomes a
// boundary (spec §4.10 "Shallow from since t").
func (c *Checker) ShallowFromSince(ctx context.Context, wants []objutil.ID, since int64) ([]objutil.ID, error) {
	visited := map[objutil.ID]bool{}
	queue := append([]objutil.ID(nil), wants...)
	for _, w := range wants {
		visited[w] = true
	}

	var boundaries []objutil.ID
	visitedCount := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visitedCount >= c.budget {
			return boundaries, nil
		}
		current := queue[0]
		queue = queue[1:]
		visitedCount++

		t, err := c.db.CommitterTime(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("reachability: reading committer time of %s: %w", current, err)
		}
		if t < since {
			boundaries = append(boundaries, current)
			continue
		}

		parents, err := c.db.Parents(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("reachability: reading parents of %s: %w", current, err)
		}
		for _, p := range parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return boundaries, nil
}

// ShallowFromExcludeRefs computes the shallow boundary set for a
// deepen-not request: it first computes the set reachable from
// excludeTips, then walks forward from wants, marking as a boundary any
// commit whose parent lands in the excluded set (spec §4.10 "Shallow
// from exclude refs R").
func (c *Checker) ShallowFromExcludeRefs(ctx context.Context, wants, excludeTips []objutil.ID) ([]objutil.ID, error) {
	excluded, err := c.reachableSet(ctx, excludeTips)
	if err != nil {
		return nil, fmt.Errorf("reachability: computing excluded set: %w", err)
	}

	visited := map[objutil.ID]bool{}
	queue := append([]objutil.ID(nil), wants...)
	for _, w := range wants {
		visited[w] = true
	}

	var boundaries []objutil.ID
	visitedCount := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visitedCount >= c.budget {
			return boundaries, nil
		}
		current := queue[0]
		queue = queue[1:]
		visitedCount++

		parents, err := c.db.Parents(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("reachability: reading parents of %s: %w", current, err)
		}
		isBoundary := false
		for _, p := range parents {
			if excluded[p] {
				isBoundary = true
				continue
			}
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
		if isBoundary {
			boundaries = append(boundaries, current)
		}
	}
	return boundaries, nil
}

// reachableSet returns every commit reachable by walking parents from
// tips, bounded by the walk budget.
func (c *Checker) reachableSet(ctx context.Context, tips []objutil.ID) (map[objutil.ID]bool, error) {
	visited := map[objutil.ID]bool{}
	queue := append([]objutil.ID(nil), tips...)
	for _, t := range tips {
		visited[t] = true
	}

	visitedCount := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visitedCount >= c.budget {
			return visited, nil
		}
		current := queue[0]
		queue = queue[1:]
		visitedCount++

		parents, err := c.db.Parents(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("reachability: reading parents of %s: %w", current, err)
		}
		for _, p := range parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return visited, nil
}
