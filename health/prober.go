package health

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"argus/core"

	// database/sql drivers for database probes
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// maxProbeBody bounds how much of an HTTP response body is recorded
const maxProbeBody = 4 * 1024

// Prober executes one health check probe and returns the raw result.
// The scheduler owns persistence and transition detection.
type Prober struct {
	httpClient *http.Client
}

// NewProber creates a prober with a shared HTTP transport. Timeouts are
// per check, applied through the request context in Probe.
func NewProber() *Prober {
	return &Prober{
		httpClient: &http.Client{},
	}
}

// Probe runs the check once. The returned result always carries an outcome
// and a response time; the error return is reserved for malformed
// definitions, not probe failures.
func (p *Prober) Probe(ctx context.Context, def *core.HealthCheckDefinition) (*core.HealthCheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	start := time.Now()
	var r *core.HealthCheckResult
	switch def.Type {
	case core.ProbeHTTP:
		r = p.probeHTTP(ctx, def)
	case core.ProbeTCP:
		r = p.probeTCP(ctx, def)
	case core.ProbeScript:
		r = p.probeScript(ctx, def)
	case core.ProbeDatabase:
		r = p.probeDatabase(ctx, def)
	default:
		return nil, fmt.Errorf("unknown probe type: %s", def.Type)
	}
	r.CheckID = def.ID
	r.Timestamp = start.UTC()
	r.ResponseTime = time.Since(start)
	return r, nil
}

func (p *Prober) probeHTTP(ctx context.Context, def *core.HealthCheckDefinition) *core.HealthCheckResult {
	method := def.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if def.Body != "" {
		body = bytes.NewBufferString(def.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, def.Target, body)
	if err != nil {
		return &core.HealthCheckResult{Outcome: core.OutcomeFailure, Error: err.Error()}
	}
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return failureResult(ctx, err)
	}
	defer resp.Body.Close()

	sample, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	r := &core.HealthCheckResult{
		StatusCode: resp.StatusCode,
		Body:       string(sample),
	}
	if statusAccepted(def.ExpectedStatus, resp.StatusCode) {
		r.Outcome = core.OutcomeSuccess
	} else {
		r.Outcome = core.OutcomeFailure
		r.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return r
}

// statusAccepted applies the definition's status predicate: an explicit
// expected code must match exactly, zero means any 2xx
func statusAccepted(expected, got int) bool {
	if expected != 0 {
		return got == expected
	}
	return got >= 200 && got < 300
}

func (p *Prober) probeTCP(ctx context.Context, def *core.HealthCheckDefinition) *core.HealthCheckResult {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", def.Target)
	if err != nil {
		return failureResult(ctx, err)
	}
	conn.Close()
	return &core.HealthCheckResult{Outcome: core.OutcomeSuccess}
}

func (p *Prober) probeScript(ctx context.Context, def *core.HealthCheckDefinition) *core.HealthCheckResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", def.Target)
	out, err := cmd.CombinedOutput()
	r := &core.HealthCheckResult{
		Body: truncate(string(out), maxProbeBody),
	}
	if err == nil {
		r.Outcome = core.OutcomeSuccess
		return r
	}
	if ctx.Err() != nil {
		r.Outcome = core.OutcomeTimeout
		r.Error = ctx.Err().Error()
		return r
	}
	r.Outcome = core.OutcomeFailure
	r.Error = err.Error()
	return r
}

func (p *Prober) probeDatabase(ctx context.Context, def *core.HealthCheckDefinition) *core.HealthCheckResult {
	db, err := sql.Open(sqlDriverName(def.Driver), def.Target)
	if err != nil {
		return &core.HealthCheckResult{Outcome: core.OutcomeFailure, Error: err.Error()}
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return failureResult(ctx, err)
	}
	return &core.HealthCheckResult{Outcome: core.OutcomeSuccess}
}

// sqlDriverName maps the definition driver to the registered database/sql
// driver name
func sqlDriverName(driver string) string {
	if driver == "sqlite" {
		return "sqlite" // modernc registers as "sqlite"
	}
	return driver
}

// failureResult classifies a probe error as timeout or failure based on
// whether the probe deadline expired
func failureResult(ctx context.Context, err error) *core.HealthCheckResult {
	r := &core.HealthCheckResult{Error: err.Error()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "deadline exceeded") {
		r.Outcome = core.OutcomeTimeout
	} else {
		r.Outcome = core.OutcomeFailure
	}
	return r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
