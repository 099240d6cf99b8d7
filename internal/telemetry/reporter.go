// Package telemetry emits the key=value records a supervising front-end
// parses from the control loop's stdout, and the Prometheus metrics.
package telemetry

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record keys
const (
	KeyStartTime     = "start_time"
	KeyCurrentTime   = "current_time"
	KeyPrintJobCount = "print_job_count"
	KeyCycleStats    = "cycle_stats"
)

// Reporter writes one key=value record per line. A disabled reporter
// drops everything, so callers never check the structured-output flag.
// Write errors are ignored: a broken consumer must not stop the loop.
type Reporter struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
}

func NewReporter(out io.Writer, enabled bool) *Reporter {
	return &Reporter{out: out, enabled: enabled}
}

// Enabled is nil-safe.
func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

func (r *Reporter) emit(key, value string) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s=%s\n", key, value)
}

func (r *Reporter) StartTime(t time.Time) {
	r.emit(KeyStartTime, unix(t))
}

// Tick is emitted on every watchdog iteration.
func (r *Reporter) Tick(t time.Time) {
	r.emit(KeyCurrentTime, unix(t))
}

func (r *Reporter) JobCount(n int) {
	r.emit(KeyPrintJobCount, strconv.Itoa(n))
}

// CycleStats emits print-start, cool-complete and pick-complete.
func (r *Reporter) CycleStats(printStart, coolComplete, pickComplete time.Time) {
	r.emit(KeyCycleStats, strings.Join([]string{unix(printStart), unix(coolComplete), unix(pickComplete)}, ","))
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseRecord splits one line into key and value.
func ParseRecord(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(strings.TrimSpace(line), "=")
	if !ok || key == "" {
		return "", "", false
	}
	return key, value, true
}
