package resolver

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automaker/orchestrator/internal/feature"
)

func feat(id string, status feature.Status, deps ...string) *feature.Feature {
	return &feature.Feature{ID: id, Title: id, Status: status, Dependencies: deps}
}

func position(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	return pos
}

func TestResolve_ChainOnlyHeadAdmissible(t *testing.T) {
	features := []*feature.Feature{
		feat("A", feature.StatusBacklog),
		feat("B", feature.StatusBacklog, "A"),
		feat("C", feature.StatusBacklog, "B"),
	}

	res, err := Resolve(features)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, res.Order)
	assert.Equal(t, []string{"A"}, res.Admissible)

	features[0].Status = feature.StatusCompleted
	res, err = Resolve(features)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Admissible)

	features[1].Status = feature.StatusVerified
	res, err = Resolve(features)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, res.Admissible)
}

func TestResolve_TiesFollowCreationOrder(t *testing.T) {
	features := []*feature.Feature{
		feat("zeta", feature.StatusBacklog),
		feat("alpha", feature.StatusBacklog),
		feat("mid", feature.StatusBacklog),
	}

	res, err := Resolve(features)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, res.Order)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, res.Admissible)
}

func TestResolve_SeqOverridesInputOrder(t *testing.T) {
	a := feat("a", feature.StatusBacklog)
	a.Seq = 2
	b := feat("b", feature.StatusBacklog)
	b.Seq = 1

	res, err := Resolve([]*feature.Feature{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, res.Order)
}

func TestResolve_PriorityBeforeCreationOrder(t *testing.T) {
	low := feat("low", feature.StatusBacklog)
	low.Priority = 3
	high := feat("high", feature.StatusBacklog)
	high.Priority = 1
	plain := feat("plain", feature.StatusBacklog)

	res, err := Resolve([]*feature.Feature{low, plain, high})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low", "plain"}, res.Order)
}

func TestResolve_UnsetPrioritySortsLast(t *testing.T) {
	unset := feat("unset", feature.StatusBacklog)
	p9 := feat("p9", feature.StatusBacklog)
	p9.Priority = 9

	res, err := Resolve([]*feature.Feature{unset, p9})
	require.NoError(t, err)
	assert.Equal(t, []string{"p9", "unset"}, res.Order)
	assert.Equal(t, []string{"p9", "unset"}, res.Admissible)
}

func TestResolve_MissingDependency(t *testing.T) {
	features := []*feature.Feature{
		feat("D", feature.StatusBacklog, "X"),
		feat("E", feature.StatusBacklog),
	}

	res, err := Resolve(features)
	require.NoError(t, err)
	assert.Equal(t, []string{"E"}, res.Admissible)
	assert.Equal(t, []string{"X"}, res.Missing["D"])
	assert.Contains(t, res.Order, "D")

	conds := res.Conditions()
	require.Len(t, conds, 1)
	assert.Equal(t, ConditionMissingDependency, conds[0].Kind)
	assert.Equal(t, "D", conds[0].FeatureID)
}

func TestResolve_CycleNamesExactSubset(t *testing.T) {
	features := []*feature.Feature{
		feat("free", feature.StatusBacklog),
		feat("a", feature.StatusBacklog, "c"),
		feat("b", feature.StatusBacklog, "a"),
		feat("c", feature.StatusBacklog, "b"),
		feat("downstream", feature.StatusBacklog, "b"),
		feat("self", feature.StatusBacklog),
	}
	features[5].Dependencies = []string{"self"}

	res, err := Resolve(features)
	var cerr *CycleError
	require.True(t, errors.As(err, &cerr), "expected CycleError, got %v", err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"self"}}, cerr.Cycles)

	require.NotNil(t, res)
	assert.Equal(t, []string{"free"}, res.Admissible)
	assert.Equal(t, []string{"free"}, res.Order)
	assert.Equal(t, []string{"b"}, res.BlockedByCycle["downstream"])
	for id := range cerr.Members() {
		assert.False(t, res.IsAdmissible(id), "cycle member %s admitted", id)
	}
}

func TestResolve_NonBacklogNeverAdmissible(t *testing.T) {
	for _, s := range []feature.Status{
		feature.StatusReady, feature.StatusInProgress, feature.StatusWaitingApproval,
		feature.StatusCompleted, feature.StatusVerified, feature.StatusFailed,
	} {
		res, err := Resolve([]*feature.Feature{feat("x", s)})
		require.NoError(t, err)
		assert.Empty(t, res.Admissible, "status %s", s)
	}
}

func TestResolve_WaitingApprovalDoesNotSatisfy(t *testing.T) {
	res, err := Resolve([]*feature.Feature{
		feat("a", feature.StatusWaitingApproval),
		feat("b", feature.StatusBacklog, "a"),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Admissible)
}

// Every acyclic graph must come back in an order where dependencies precede dependents.
func TestResolve_RandomDAGsRespectDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(25)
		features := make([]*feature.Feature, n)
		for i := 0; i < n; i++ {
			f := feat(fmt.Sprintf("f%d", i), feature.StatusBacklog)
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					f.Dependencies = append(f.Dependencies, fmt.Sprintf("f%d", j))
				}
			}
			features[i] = f
		}
		rng.Shuffle(n, func(i, j int) { features[i], features[j] = features[j], features[i] })

		res, err := Resolve(features)
		require.NoError(t, err)
		require.Len(t, res.Order, n)

		pos := position(res.Order)
		for _, f := range features {
			for _, d := range f.Dependencies {
				assert.Less(t, pos[d], pos[f.ID], "round %d: %s before dep %s", round, f.ID, d)
			}
		}
		for _, id := range res.Admissible {
			for _, f := range features {
				if f.ID == id {
					assert.Empty(t, f.Dependencies)
				}
			}
		}
	}
}

func TestAdmissible_ReturnsFeatures(t *testing.T) {
	features := []*feature.Feature{
		feat("a", feature.StatusCompleted),
		feat("b", feature.StatusBacklog, "a"),
	}
	got, _, err := Admissible(features)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, features[1], got[0])
}
