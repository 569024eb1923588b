// Package connectivity implements the Connectivity Checker (spec §4.12):
// confirming that every object reachable from a pushed command's new tip
// is either already in the main Object Database or was ingested into the
// active quarantine, with a deferral mechanism for heavily loaded
// servers.
package connectivity

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/objutil"
)

// Ref is one command's new tip to check, paired with its ref name for
// reporting.
type Ref struct {
	Name  string
	NewID objutil.ID
}

// Options configures a Check run (spec §4.12 "Options: parallel hint,
// progress rate limit, per-ref deferral, deferral limit").
type Options struct {
	// Parallelism bounds how many refs are checked concurrently. Zero
	// means sequential.
	Parallelism int
	// DeferLimit caps how many refs are checked synchronously; any
	// beyond that are reported as deferred rather than checked (spec
	// §4.12 "process only the first defer_limit refs... schedule the
	// rest asynchronously").
	DeferLimit int
	// OnProgress is called after each ref finishes, for rate-limited
	// progress reporting by the caller; may be nil.
	OnProgress func(checked, total int)
}

// Result is the outcome of a Check run (spec §4.12 output tuple).
type Result struct {
	TotalRefs    int
	CheckedRefs  int
	DeferredRefs []string
	OK           bool
	// Failures maps ref name to the missing-object error encountered.
	Failures map[string]error
}

// Checker confirms reachability closure for pushed tips against a
// Database (main ODB plus active quarantine, already composed by the
// caller per spec §3 Quarantine's alternates link).
type Checker struct {
	db odb.Database
}

// New builds a Checker over db.
func New(db odb.Database) *Checker {
	return &Checker{db: db}
}

// Check walks from each ref's NewID and confirms every discovered object
// exists in db, stopping each traversal as soon as it reaches an object
// already known to be reachable from the pre-existing refs (boundary,
// supplied by the caller as `knownReachable`).
func (c *Checker) Check(ctx context.Context, refs []Ref, knownReachable func(objutil.ID) bool, opts Options) (Result, error) {
	result := Result{
		TotalRefs: len(refs),
		Failures:  map[string]error{},
	}

	toCheck := refs
	if opts.DeferLimit > 0 && len(refs) > opts.DeferLimit {
		toCheck = refs[:opts.DeferLimit]
		for _, r := range refs[opts.DeferLimit:] {
			result.DeferredRefs = append(result.DeferredRefs, r.Name)
		}
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	var mu sync.Mutex
	checked := 0

	for _, r := range toCheck {
		r := r
		g.Go(func() error {
			err := c.checkOne(gctx, r.NewID, knownReachable)

			mu.Lock()
			if err != nil {
				result.Failures[r.Name] = err
			}
			checked++
			if opts.OnProgress != nil {
				opts.OnProgress(checked, result.TotalRefs)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("connectivity: %w", err)
	}

	result.CheckedRefs = len(toCheck)
	result.OK = len(result.Failures) == 0
	return result, nil
}

func (c *Checker) checkOne(ctx context.Context, tip objutil.ID, knownReachable func(objutil.ID) bool) error {
	if tip.IsZero() {
		return nil
	}

	visited := map[objutil.ID]bool{tip: true}
	queue := []objutil.ID{tip}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		current := queue[0]
		queue = queue[1:]

		if knownReachable != nil && knownReachable(current) {
			continue
		}

		has, err := c.db.Has(ctx, current)
		if err != nil {
			return fmt.Errorf("checking presence of %s: %w", current, err)
		}
		if !has {
			return fmt.Errorf("missing object %s", current)
		}

		obj, err := c.db.Read(ctx, current)
		if err != nil {
			return fmt.Errorf("reading %s: %w", current, err)
		}

		switch obj.Kind {
		case objutil.ObjCommit:
			parents, err := c.db.Parents(ctx, current)
			if err != nil {
				return fmt.Errorf("reading parents of %s: %w", current, err)
			}
			for _, p := range parents {
				if !visited[p] {
					visited[p] = true
					queue = append(queue, p)
				}
			}
			tree, err := c.db.Tree(ctx, current)
			if err != nil {
				return fmt.Errorf("reading tree of %s: %w", current, err)
			}
			if !visited[tree] {
				visited[tree] = true
				queue = append(queue, tree)
			}
		case objutil.ObjTree:
			entries, err := c.db.TreeEntries(ctx, current)
			if err != nil {
				return fmt.Errorf("reading tree entries of %s: %w", current, err)
			}
			for _, e := range entries {
				if !visited[e.ID] {
					visited[e.ID] = true
					queue = append(queue, e.ID)
				}
			}
		case objutil.ObjTag:
			target, err := c.db.TagTarget(ctx, current)
			if err != nil {
				return fmt.Errorf("reading tag target of %s: %w", current, err)
			}
			if !visited[target] {
				visited[target] = true
				queue = append(queue, target)
			}
		case objutil.ObjBlob:
			// leaf node, nothing further to walk
		}
	}
	return nil
}
