package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)

	timer.ObserveDuration(TransactionDuration)
	timer.ObserveDurationVec(DiskOperationDuration, "create")
}

func TestHandlerNotNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
