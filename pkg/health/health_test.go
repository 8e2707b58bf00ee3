package health

import (
	"testing"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestDeclareStatusFirstObservationPending(t *testing.T) {
	status := declareStatus(0, 0, 3, 1, types.HealthUnknown, false)
	assert.Equal(t, types.HealthUnknown, status)
}

func TestDeclareStatusReachesHealthyOnFirstSuccess(t *testing.T) {
	status := declareStatus(0, 1, 3, 1, types.HealthUnknown, false)
	assert.Equal(t, types.HealthHealthy, status)
}

func TestDeclareStatusDegradedBeforeThreshold(t *testing.T) {
	status := declareStatus(1, 0, 3, 1, types.HealthHealthy, true)
	assert.Equal(t, types.HealthDegraded, status)
}

func TestDeclareStatusUnhealthyAtThreshold(t *testing.T) {
	status := declareStatus(3, 0, 3, 1, types.HealthDegraded, true)
	assert.Equal(t, types.HealthUnhealthy, status)
}

func TestDeclareStatusRequiresSuccessThresholdToRecover(t *testing.T) {
	status := declareStatus(0, 1, 3, 2, types.HealthUnhealthy, true)
	assert.Equal(t, types.HealthDegraded, status, "one success after unhealthy with threshold 2 stays degraded, not healthy")
}

func TestAggregateNoResultsIsUnknown(t *testing.T) {
	assert.Equal(t, types.HealthUnknown, Aggregate(nil, nil))
}

func TestAggregateAllHealthyIsHealthy(t *testing.T) {
	cfgs := []types.HealthCheckConfig{{Name: "a"}, {Name: "b"}}
	results := []types.HealthCheckResult{
		{Name: "a", Status: types.HealthHealthy},
		{Name: "b", Status: types.HealthHealthy},
	}
	assert.Equal(t, types.HealthHealthy, Aggregate(cfgs, results))
}

func TestAggregateNonCriticalUnhealthyIsDegraded(t *testing.T) {
	cfgs := []types.HealthCheckConfig{{Name: "a", Critical: false}, {Name: "b", Critical: true}}
	results := []types.HealthCheckResult{
		{Name: "a", Status: types.HealthUnhealthy},
		{Name: "b", Status: types.HealthHealthy},
	}
	assert.Equal(t, types.HealthDegraded, Aggregate(cfgs, results))
}

func TestAggregateCriticalUnhealthyIsUnhealthy(t *testing.T) {
	cfgs := []types.HealthCheckConfig{{Name: "a", Critical: true}}
	results := []types.HealthCheckResult{{Name: "a", Status: types.HealthUnhealthy}}
	assert.Equal(t, types.HealthUnhealthy, Aggregate(cfgs, results))
}
