package health

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"golang.org/x/sys/unix"
)

// errMessage collapses a probe failure's message to the literal "Timeout"
// when it was caused by a context deadline or a net.Error reporting
// Timeout(), instead of a transport-specific string like "dial tcp: i/o
// timeout".
func errMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Timeout"
	}
	return err.Error()
}

// tcpProber dials host:port and reports healthy on a successful connect.
type tcpProber struct {
	address string
}

func newTCPProber(cfg map[string]string) (Prober, error) {
	host := cfg["host"]
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg["port"]
	if port == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "port", nil)
	}
	return &tcpProber{address: net.JoinHostPort(host, port)}, nil
}

func (p *tcpProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return types.HealthUnhealthy, errMessage(err), nil
	}
	conn.Close()
	return types.HealthHealthy, "", map[string]string{"address": p.address}
}

// httpProber issues a request against url and reports healthy only when
// every declared expectation (status, body substring, JSON subset) holds.
type httpProber struct {
	url                   string
	method                string
	expectedStatus        []int
	expectedBodySubstring string
	expectedJSONSubset    map[string]any
	headers               map[string]string
}

func newHTTPProber(cfg map[string]string) (Prober, error) {
	url := cfg["url"]
	if url == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "url", nil)
	}
	method := cfg["method"]
	if method == "" {
		method = http.MethodGet
	}
	p := &httpProber{
		url:                   url,
		method:                strings.ToUpper(method),
		expectedBodySubstring: cfg["expected_body_substring"],
		headers:               parseKVList(cfg["headers"]),
	}
	if v, ok := cfg["expected_status"]; ok && v != "" {
		for _, s := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, types.NewError(types.ErrInvalidArgument, "expected_status", err)
			}
			p.expectedStatus = append(p.expectedStatus, n)
		}
	} else {
		p.expectedStatus = []int{200}
	}
	if v, ok := cfg["expected_json_subset"]; ok && v != "" {
		var subset map[string]any
		if err := json.Unmarshal([]byte(v), &subset); err != nil {
			return nil, types.NewError(types.ErrInvalidArgument, "expected_json_subset", err)
		}
		p.expectedJSONSubset = subset
	}
	return p, nil
}

func (p *httpProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return types.HealthUnhealthy, err.Error(), nil
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.HealthUnhealthy, errMessage(err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.HealthUnhealthy, fmt.Sprintf("reading response body: %v", err), nil
	}
	details := map[string]string{"status_code": strconv.Itoa(resp.StatusCode)}

	if !containsInt(p.expectedStatus, resp.StatusCode) {
		return types.HealthUnhealthy, fmt.Sprintf("status %d not in %v", resp.StatusCode, p.expectedStatus), details
	}
	if p.expectedBodySubstring != "" && !bytes.Contains(body, []byte(p.expectedBodySubstring)) {
		return types.HealthUnhealthy, "expected body substring not found", details
	}
	if p.expectedJSONSubset != nil {
		var actual map[string]any
		if err := json.Unmarshal(body, &actual); err != nil {
			return types.HealthUnhealthy, fmt.Sprintf("response is not valid JSON: %v", err), details
		}
		if !jsonSubsetMatches(p.expectedJSONSubset, actual) {
			return types.HealthUnhealthy, "response JSON does not contain expected subset", details
		}
	}
	return types.HealthHealthy, "", details
}

// jsonSubsetMatches reports whether every key in want is present in got
// with an equal value (recursing into nested objects).
func jsonSubsetMatches(want, got map[string]any) bool {
	for k, wantVal := range want {
		gotVal, ok := got[k]
		if !ok {
			return false
		}
		wantMap, wantIsMap := wantVal.(map[string]any)
		gotMap, gotIsMap := gotVal.(map[string]any)
		if wantIsMap && gotIsMap {
			if !jsonSubsetMatches(wantMap, gotMap) {
				return false
			}
			continue
		}
		if wantVal != gotVal {
			return false
		}
	}
	return true
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// commandProber runs program+args either inside the guest (via the
// hypervisor backend's guest-agent channel) or on the host (via the
// Process Runner), selected by run_in_guest.
type commandProber struct {
	argv                    []string
	expectedExitCode        int
	expectedOutputSubstring string
	runInGuest              bool
	vmName                  string
	backend                 hypervisor.Backend
	run                     *runner.Runner
}

func newCommandProber(cfg map[string]string, backend hypervisor.Backend, run *runner.Runner) (Prober, error) {
	program := cfg["program"]
	if program == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "program", nil)
	}
	argv := append([]string{program}, strings.Fields(cfg["args"])...)
	expectedExitCode := 0
	if v, ok := cfg["expected_exit_code"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidArgument, "expected_exit_code", err)
		}
		expectedExitCode = n
	}
	return &commandProber{
		argv:                    argv,
		expectedExitCode:        expectedExitCode,
		expectedOutputSubstring: cfg["expected_output_substring"],
		runInGuest:              cfg["run_in_guest"] == "true",
		vmName:                  cfg["vm_name"],
		backend:                 backend,
		run:                     run,
	}, nil
}

func (p *commandProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	var exitCode int
	var stdout, stderr []byte

	if p.runInGuest {
		res, err := p.backend.Exec(ctx, p.vmName, p.argv, nil)
		if err != nil {
			return types.HealthUnhealthy, errMessage(err), nil
		}
		exitCode, stdout, stderr = res.ExitCode, res.Stdout, res.Stderr
	} else {
		result, err := p.run.Run(ctx, runner.Invocation{Argv: p.argv, Timeout: timeout})
		if err != nil {
			return types.HealthUnhealthy, errMessage(err), nil
		}
		exitCode, stdout, stderr = result.ExitCode, result.Stdout, result.Stderr
	}

	details := map[string]string{"exit_code": strconv.Itoa(exitCode)}
	if exitCode != p.expectedExitCode {
		return types.HealthUnhealthy, fmt.Sprintf("exit code %d, expected %d: %s", exitCode, p.expectedExitCode, stderr), details
	}
	if p.expectedOutputSubstring != "" && !bytes.Contains(stdout, []byte(p.expectedOutputSubstring)) {
		return types.HealthUnhealthy, "expected output substring not found", details
	}
	return types.HealthHealthy, "", details
}

// scriptProber runs an executable file on the host with an optional
// environment and compares its exit code to the declared expectation.
type scriptProber struct {
	path     string
	exitCode int
	env      map[string]string
	run      *runner.Runner
}

func newScriptProber(cfg map[string]string, run *runner.Runner) (Prober, error) {
	path := cfg["path"]
	if path == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "path", nil)
	}
	exitCode := 0
	if v, ok := cfg["exit_code"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidArgument, "exit_code", err)
		}
		exitCode = n
	}
	return &scriptProber{path: path, exitCode: exitCode, env: parseKVList(cfg["env"]), run: run}, nil
}

func (p *scriptProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	env := os.Environ()
	for k, v := range p.env {
		env = append(env, k+"="+v)
	}
	result, err := p.run.Run(ctx, runner.Invocation{Argv: []string{p.path}, Env: env, Timeout: timeout})
	if err != nil {
		return types.HealthUnhealthy, errMessage(err), nil
	}
	details := map[string]string{"exit_code": strconv.Itoa(result.ExitCode)}
	if result.ExitCode != p.exitCode {
		return types.HealthUnhealthy, fmt.Sprintf("exit code %d, expected %d: %s", result.ExitCode, p.exitCode, result.Stderr), details
	}
	return types.HealthHealthy, "", details
}

// diskProber reports the three-level gradation from §4.8 based on percent
// of the filesystem at path currently used.
type diskProber struct {
	path           string
	warnPercent    float64
	criticalPercent float64
}

func newDiskProber(cfg map[string]string) (Prober, error) {
	path := cfg["path"]
	if path == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "path", nil)
	}
	warn, critical, err := parseWarnCritical(cfg)
	if err != nil {
		return nil, err
	}
	return &diskProber{path: path, warnPercent: warn, criticalPercent: critical}, nil
}

func (p *diskProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	var stat unix.Statfs_t
	if err := unix.Statfs(p.path, &stat); err != nil {
		return types.HealthUnhealthy, fmt.Sprintf("statfs %s: %v", p.path, err), nil
	}
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	usedPercent := 0.0
	if totalBytes > 0 {
		usedPercent = (1 - float64(freeBytes)/float64(totalBytes)) * 100
	}
	details := map[string]string{"used_percent": strconv.FormatFloat(usedPercent, 'f', 2, 64)}
	return gradeByPercent(usedPercent, p.warnPercent, p.criticalPercent), fmt.Sprintf("%.2f%% used", usedPercent), details
}

// memoryProber reports the three-level gradation from §4.8 based on
// percent of host memory currently used, parsed from /proc/meminfo.
type memoryProber struct {
	warnPercent     float64
	criticalPercent float64
}

func newMemoryProber(cfg map[string]string) (Prober, error) {
	warn, critical, err := parseWarnCritical(cfg)
	if err != nil {
		return nil, err
	}
	return &memoryProber{warnPercent: warn, criticalPercent: critical}, nil
}

func (p *memoryProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return types.HealthUnhealthy, err.Error(), nil
	}
	defer f.Close()

	var totalKB, availableKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoKB(line)
		}
	}
	if totalKB == 0 {
		return types.HealthUnhealthy, "could not determine total memory", nil
	}
	usedPercent := (1 - float64(availableKB)/float64(totalKB)) * 100
	details := map[string]string{"used_percent": strconv.FormatFloat(usedPercent, 'f', 2, 64)}
	return gradeByPercent(usedPercent, p.warnPercent, p.criticalPercent), fmt.Sprintf("%.2f%% used", usedPercent), details
}

func parseWarnCritical(cfg map[string]string) (warn, critical float64, err error) {
	warn, critical = 80, 95
	if v, ok := cfg["warn_percent"]; ok && v != "" {
		warn, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, 0, types.NewError(types.ErrInvalidArgument, "warn_percent", err)
		}
	}
	if v, ok := cfg["critical_percent"]; ok && v != "" {
		critical, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, 0, types.NewError(types.ErrInvalidArgument, "critical_percent", err)
		}
	}
	return warn, critical, nil
}

func gradeByPercent(value, warn, critical float64) types.HealthStatus {
	switch {
	case value >= critical:
		return types.HealthUnhealthy
	case value >= warn:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.ParseUint(fields[1], 10, 64)
	return n
}

// processProber reports healthy when the number of host processes
// matching pattern falls within [min_count, max_count].
type processProber struct {
	pattern  string
	minCount int
	maxCount int // 0 means unbounded
	run      *runner.Runner
}

func newProcessProber(cfg map[string]string, run *runner.Runner) (Prober, error) {
	pattern := cfg["pattern"]
	if pattern == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "pattern", nil)
	}
	minCount := 1
	if v, ok := cfg["min_count"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidArgument, "min_count", err)
		}
		minCount = n
	}
	maxCount := 0
	if v, ok := cfg["max_count"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidArgument, "max_count", err)
		}
		maxCount = n
	}
	return &processProber{pattern: pattern, minCount: minCount, maxCount: maxCount, run: run}, nil
}

func (p *processProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	result, err := p.run.Run(ctx, runner.Invocation{Argv: []string{"pgrep", "-f", p.pattern}, Timeout: timeout})
	if err != nil {
		return types.HealthUnhealthy, errMessage(err), nil
	}
	var count int
	if result.ExitCode == 0 {
		count = len(strings.Fields(string(bytes.TrimSpace(result.Stdout))))
	}
	details := map[string]string{"count": strconv.Itoa(count)}
	if count < p.minCount {
		return types.HealthUnhealthy, fmt.Sprintf("%d processes matching %q, below minimum %d", count, p.pattern, p.minCount), details
	}
	if p.maxCount > 0 && count > p.maxCount {
		return types.HealthUnhealthy, fmt.Sprintf("%d processes matching %q, above maximum %d", count, p.pattern, p.maxCount), details
	}
	return types.HealthHealthy, "", details
}

// dnsProber resolves name and reports healthy if at least one record comes
// back, and (if expected_ip is set) that address is among the results.
type dnsProber struct {
	name       string
	expectedIP string
	resolver   *net.Resolver
}

func newDNSProber(cfg map[string]string) (Prober, error) {
	name := cfg["name"]
	if name == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "name", nil)
	}
	return &dnsProber{name: name, expectedIP: cfg["expected_ip"], resolver: net.DefaultResolver}, nil
}

func (p *dnsProber) Probe(ctx context.Context, timeout time.Duration) (types.HealthStatus, string, map[string]string) {
	addrs, err := p.resolver.LookupHost(ctx, p.name)
	if err != nil {
		return types.HealthUnhealthy, errMessage(err), nil
	}
	if len(addrs) == 0 {
		return types.HealthUnhealthy, fmt.Sprintf("no records for %s", p.name), nil
	}
	details := map[string]string{"addresses": strings.Join(addrs, ",")}
	if p.expectedIP != "" {
		found := false
		for _, a := range addrs {
			if a == p.expectedIP {
				found = true
				break
			}
		}
		if !found {
			return types.HealthUnhealthy, fmt.Sprintf("%s did not resolve to %s", p.name, p.expectedIP), details
		}
	}
	return types.HealthHealthy, "", details
}

// parseKVList parses a "k1=v1,k2=v2" string into a map. An empty or
// malformed entry is skipped rather than treated as an error, since
// header/env lists are optional free-form config.
func parseKVList(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
