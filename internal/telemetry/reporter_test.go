package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReporterFormat(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, true)

	start := time.Unix(1700000000, 0)
	r.StartTime(start)
	r.JobCount(0)
	r.Tick(start.Add(time.Second))
	r.CycleStats(start.Add(2*time.Second), start.Add(3*time.Second), start.Add(4*time.Second))
	r.JobCount(1)

	assert.Equal(t, []string{
		"start_time=1700000000",
		"print_job_count=0",
		"current_time=1700000001",
		"cycle_stats=1700000002,1700000003,1700000004",
		"print_job_count=1",
	}, strings.Split(strings.TrimSpace(out.String()), "\n"))
}

func TestDisabledReporterIsSilent(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, false)
	r.StartTime(time.Now())
	r.JobCount(3)
	assert.Zero(t, out.Len())

	var nilReporter *Reporter
	assert.False(t, nilReporter.Enabled())
	nilReporter.Tick(time.Now())
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{"print_job_count=2\n", "print_job_count", "2", true},
		{"cycle_stats=1,2,3", "cycle_stats", "1,2,3", true},
		{"start_time=", "start_time", "", true},
		{"no separator", "", "", false},
		{"=42", "", "", false},
	}
	for _, tt := range tests {
		key, value, ok := ParseRecord(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.key, key, tt.line)
		assert.Equal(t, tt.value, value, tt.line)
	}
}
