package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProberHealthyOnOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	prober, err := newTCPProber(map[string]string{"host": host, "port": port})
	require.NoError(t, err)

	status, _, _ := prober.Probe(context.Background(), time.Second)
	assert.Equal(t, types.HealthHealthy, status)
}

func TestTCPProberUnhealthyOnClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ln.Close() // free the port so the dial fails

	prober, err := newTCPProber(map[string]string{"host": "127.0.0.1", "port": port})
	require.NoError(t, err)

	status, msg, _ := prober.Probe(context.Background(), 200*time.Millisecond)
	assert.Equal(t, types.HealthUnhealthy, status)
	assert.NotEmpty(t, msg)
}

func TestTCPProberRequiresPort(t *testing.T) {
	_, err := newTCPProber(map[string]string{"host": "127.0.0.1"})
	assert.Error(t, err)
}

func TestTCPProberTimeoutReportsLiteralMessage(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation (RFC 5737) and never
	// routed, so a connect attempt hangs until the dialer's own timeout.
	prober, err := newTCPProber(map[string]string{"host": "192.0.2.1", "port": "81"})
	require.NoError(t, err)

	status, msg, _ := prober.Probe(context.Background(), 50*time.Millisecond)
	assert.Equal(t, types.HealthUnhealthy, status)
	assert.Equal(t, "Timeout", msg)
}

func TestGradeByPercent(t *testing.T) {
	assert.Equal(t, types.HealthHealthy, gradeByPercent(50, 80, 95))
	assert.Equal(t, types.HealthDegraded, gradeByPercent(85, 80, 95))
	assert.Equal(t, types.HealthUnhealthy, gradeByPercent(99, 80, 95))
	assert.Equal(t, types.HealthUnhealthy, gradeByPercent(95, 80, 95))
}

func TestDiskProberHealthyWithHighThresholds(t *testing.T) {
	prober, err := newDiskProber(map[string]string{"path": "/", "warn_percent": "99.9", "critical_percent": "99.99"})
	require.NoError(t, err)

	status, _, details := prober.Probe(context.Background(), time.Second)
	assert.Contains(t, []types.HealthStatus{types.HealthHealthy, types.HealthDegraded, types.HealthUnhealthy}, status)
	assert.Contains(t, details, "used_percent")
}

func TestDiskProberUnhealthyWithZeroThresholds(t *testing.T) {
	prober, err := newDiskProber(map[string]string{"path": "/", "warn_percent": "0", "critical_percent": "0"})
	require.NoError(t, err)

	status, _, _ := prober.Probe(context.Background(), time.Second)
	assert.Equal(t, types.HealthUnhealthy, status)
}

func TestDNSProberResolvesLocalhost(t *testing.T) {
	prober, err := newDNSProber(map[string]string{"name": "localhost"})
	require.NoError(t, err)

	status, _, details := prober.Probe(context.Background(), time.Second)
	assert.Equal(t, types.HealthHealthy, status)
	assert.NotEmpty(t, details["addresses"])
}

func TestDNSProberRejectsWrongExpectedIP(t *testing.T) {
	prober, err := newDNSProber(map[string]string{"name": "localhost", "expected_ip": "203.0.113.1"})
	require.NoError(t, err)

	status, msg, _ := prober.Probe(context.Background(), time.Second)
	assert.Equal(t, types.HealthUnhealthy, status)
	assert.NotEmpty(t, msg)
}

func TestParseKVList(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, parseKVList("a=1, b=2"))
	assert.Nil(t, parseKVList(""))
}

func TestParseMeminfoKB(t *testing.T) {
	assert.Equal(t, uint64(16384000), parseMeminfoKB("MemTotal:       16384000 kB"))
	assert.Equal(t, uint64(0), parseMeminfoKB("malformed"))
}

func TestJSONSubsetMatches(t *testing.T) {
	got := map[string]any{"status": "ok", "nested": map[string]any{"a": float64(1), "b": "x"}}
	assert.True(t, jsonSubsetMatches(map[string]any{"status": "ok"}, got))
	assert.True(t, jsonSubsetMatches(map[string]any{"nested": map[string]any{"a": float64(1)}}, got))
	assert.False(t, jsonSubsetMatches(map[string]any{"status": "bad"}, got))
	assert.False(t, jsonSubsetMatches(map[string]any{"missing": "x"}, got))
}
