package tatara

// Dependency resolution: a depth-first traversal over the catalog producing a
// deterministic build order. Siblings keep catalog insertion order, so the
// same catalog always yields the same plan.

// Plan is the dependency-ordered build sequence plus the packages excluded
// from it.
type Plan struct {
	Order       []string          // every dependency precedes its dependent
	Skipped     map[string]string // name -> platform skip reason
	Unsatisfied map[string]string // name -> skipped dependency it needs
}

// InPlan reports whether name made it into the build order.
func (p *Plan) InPlan(name string) bool {
	for _, n := range p.Order {
		if n == name {
			return true
		}
	}
	return false
}

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

// resolve computes the build plan for the requested targets (all catalog
// packages when targets is empty). An in-progress node reached again during
// traversal is a cycle; unknown names fail resolution outright. Packages
// carrying a platform skip reason are excluded but recorded, and anything
// depending on one — transitively — is recorded as unsatisfied so the run
// reports it Skipped instead of attempting the build.
func resolve(cat *Catalog, targets []string) (*Plan, error) {
	if len(targets) == 0 {
		targets = cat.Names()
	}

	plan := &Plan{
		Skipped:     make(map[string]string),
		Unsatisfied: make(map[string]string),
	}

	state := make(map[string]visitState)
	var stack []string // traversal path, for naming cycle members

	// blocked[name] holds the skipped package that makes name unbuildable.
	blocked := make(map[string]string)

	var visit func(name, wantedBy string) error
	visit = func(name, wantedBy string) error {
		spec, ok := cat.Get(name)
		if !ok {
			return &UnknownPackageError{Pkg: name, WantedBy: wantedBy}
		}

		switch state[name] {
		case done:
			return nil
		case inProgress:
			// Slice the traversal path from the first occurrence of name to
			// report exactly the cycle members.
			cycle := []string{}
			for i, n := range stack {
				if n == name {
					cycle = append(cycle, stack[i:]...)
					break
				}
			}
			cycle = append(cycle, name)
			return &CyclicDependencyError{Cycle: cycle}
		}

		state[name] = inProgress
		stack = append(stack, name)
		defer func() {
			stack = stack[:len(stack)-1]
			state[name] = done
		}()

		if spec.SkipReason != "" {
			plan.Skipped[name] = spec.SkipReason
			blocked[name] = name
			return nil
		}

		for _, dep := range spec.Depends {
			if err := visit(dep, name); err != nil {
				return err
			}
			if cause, bad := blocked[dep]; bad {
				blocked[name] = cause
			}
		}

		if cause, bad := blocked[name]; bad {
			if cause != name { // skipped packages are recorded above, not here
				plan.Unsatisfied[name] = cause
			}
			return nil
		}

		plan.Order = append(plan.Order, name)
		return nil
	}

	for _, t := range targets {
		if err := visit(t, ""); err != nil {
			return nil, err
		}
	}

	return plan, nil
}

// dependents returns the transitive dependents of name among candidates,
// used to drain the pending queue when a build fails.
func dependents(cat *Catalog, name string, candidates []string) []string {
	depsOn := func(pkg string) bool {
		seen := make(map[string]bool)
		var walk func(string) bool
		walk = func(cur string) bool {
			if seen[cur] {
				return false
			}
			seen[cur] = true
			s, ok := cat.Get(cur)
			if !ok {
				return false
			}
			for _, d := range s.Depends {
				if d == name || walk(d) {
					return true
				}
			}
			return false
		}
		return walk(pkg)
	}

	var out []string
	for _, c := range candidates {
		if depsOn(c) {
			out = append(out, c)
		}
	}
	return out
}
