package tatara

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCatalog builds an in-memory catalog; insertion order follows the order
// of the names slice.
func testCatalog(names []string, deps map[string][]string, skips map[string]string) *Catalog {
	cat := &Catalog{specs: make(map[string]*PackageSpec)}
	for _, n := range names {
		cat.specs[n] = &PackageSpec{
			Name:       n,
			Version:    "1.0",
			Depends:    deps[n],
			SkipReason: skips[n],
		}
		cat.order = append(cat.order, n)
	}
	return cat
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestResolveTopologicalOrder(t *testing.T) {
	cat := testCatalog(
		[]string{"app", "lib", "base"},
		map[string][]string{
			"app": {"lib"},
			"lib": {"base"},
		}, nil)

	plan, err := resolve(cat, []string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "lib", "app"}, plan.Order)
}

func TestResolveDeterministicTies(t *testing.T) {
	cat := testCatalog(
		[]string{"a", "b", "c"},
		map[string][]string{}, nil)

	first, err := resolve(cat, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := resolve(cat, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Order, again.Order)
	}
	assert.Equal(t, []string{"a", "b", "c"}, first.Order)
}

func TestResolveSharedDependencyOnce(t *testing.T) {
	cat := testCatalog(
		[]string{"x", "y", "common"},
		map[string][]string{
			"x": {"common"},
			"y": {"common"},
		}, nil)

	plan, err := resolve(cat, []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, plan.Order, 3)
	assert.Less(t, indexOf(plan.Order, "common"), indexOf(plan.Order, "x"))
	assert.Less(t, indexOf(plan.Order, "common"), indexOf(plan.Order, "y"))
}

func TestResolveCycle(t *testing.T) {
	cat := testCatalog(
		[]string{"a", "b", "c"},
		map[string][]string{
			"a": {"b"},
			"b": {"c"},
			"c": {"a"},
		}, nil)

	_, err := resolve(cat, []string{"a"})
	var cyclic *CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.Contains(t, cyclic.Cycle, "a")
	assert.Contains(t, cyclic.Cycle, "b")
	assert.Contains(t, cyclic.Cycle, "c")
}

func TestResolveSelfCycleViaIndirection(t *testing.T) {
	cat := testCatalog(
		[]string{"p", "q"},
		map[string][]string{
			"p": {"q"},
			"q": {"p"},
		}, nil)

	_, err := resolve(cat, []string{"p"})
	var cyclic *CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
}

func TestResolveUnknownPackage(t *testing.T) {
	cat := testCatalog(
		[]string{"app"},
		map[string][]string{
			"app": {"ghost"},
		}, nil)

	_, err := resolve(cat, []string{"app"})
	var unknown *UnknownPackageError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Pkg)
	assert.Equal(t, "app", unknown.WantedBy)
}

func TestResolveUnknownTarget(t *testing.T) {
	cat := testCatalog([]string{"app"}, nil, nil)

	_, err := resolve(cat, []string{"nothere"})
	var unknown *UnknownPackageError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nothere", unknown.Pkg)
	assert.Empty(t, unknown.WantedBy)
}

func TestResolveSkipPropagation(t *testing.T) {
	// top -> mid -> skipped; sibling is unaffected.
	cat := testCatalog(
		[]string{"top", "mid", "skipped", "sibling"},
		map[string][]string{
			"top": {"mid"},
			"mid": {"skipped"},
		},
		map[string]string{"skipped": "not supported here"})

	plan, err := resolve(cat, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"sibling"}, plan.Order)
	assert.Equal(t, "not supported here", plan.Skipped["skipped"])
	assert.Equal(t, "skipped", plan.Unsatisfied["mid"])
	assert.Equal(t, "skipped", plan.Unsatisfied["top"])
	assert.False(t, plan.InPlan("top"))
	assert.True(t, plan.InPlan("sibling"))
}

func TestResolveEmptyTargetsMeansAll(t *testing.T) {
	cat := testCatalog(
		[]string{"one", "two"},
		map[string][]string{}, nil)

	plan, err := resolve(cat, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Order, 2)
}

func TestDependentsTransitive(t *testing.T) {
	cat := testCatalog(
		[]string{"a", "b", "c", "d"},
		map[string][]string{
			"b": {"a"},
			"c": {"b"},
			// d is independent
		}, nil)

	got := dependents(cat, "a", []string{"b", "c", "d"})
	assert.ElementsMatch(t, []string{"b", "c"}, got)
}
