package orchestrator

import (
	"testing"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vm(name string, deps ...string) types.OrchestratedVM {
	return types.OrchestratedVM{Name: name, DependsOn: deps}
}

func TestBuildLevelsOrdersByDependency(t *testing.T) {
	vms := []types.OrchestratedVM{
		vm("web", "app"),
		vm("app", "db"),
		vm("db"),
	}

	levels, err := BuildLevels(vms)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, "db", levels[0][0].Name)
	assert.Equal(t, "app", levels[1][0].Name)
	assert.Equal(t, "web", levels[2][0].Name)
}

func TestBuildLevelsGroupsIndependentVMsTogether(t *testing.T) {
	vms := []types.OrchestratedVM{
		vm("db"),
		vm("cache"),
		vm("app", "db", "cache"),
	}

	levels, err := BuildLevels(vms)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 2)
	assert.Equal(t, "app", levels[1][0].Name)
}

func TestBuildLevelsDetectsCycle(t *testing.T) {
	vms := []types.OrchestratedVM{
		vm("a", "b"),
		vm("b", "a"),
	}
	_, err := BuildLevels(vms)
	assert.Error(t, err)
}

func TestBuildLevelsRejectsUnknownDependency(t *testing.T) {
	vms := []types.OrchestratedVM{vm("a", "ghost")}
	_, err := BuildLevels(vms)
	assert.Error(t, err)
}

func TestClosureIncludesTransitiveDependencies(t *testing.T) {
	vms := []types.OrchestratedVM{
		vm("web", "app"),
		vm("app", "db"),
		vm("db"),
		vm("unrelated"),
	}

	closure, err := Closure(vms, []string{"web"})
	require.NoError(t, err)

	names := make([]string, len(closure))
	for i, v := range closure {
		names[i] = v.Name
	}
	assert.ElementsMatch(t, []string{"web", "app", "db"}, names)
}

func TestReverseLevelsPreservesWithinLevelOrder(t *testing.T) {
	levels := [][]types.OrchestratedVM{
		{vm("db")},
		{vm("app")},
		{vm("web")},
	}
	rev := reverseLevels(levels)
	require.Len(t, rev, 3)
	assert.Equal(t, "web", rev[0][0].Name)
	assert.Equal(t, "app", rev[1][0].Name)
	assert.Equal(t, "db", rev[2][0].Name)
}
