package octoprint_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/MachineTending/internal/octoprint"
	"github.com/KevinKickass/MachineTending/internal/octoprint/octoprinttest"
)

const apiKey = "530800072D39492E981670EDB6F83617"

func newClient(t *testing.T, url string, attempts uint) *octoprint.Client {
	t.Helper()
	c, err := octoprint.NewClient(url, apiKey, time.Second, attempts, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestClientReadsVersionFilesAndPrinter(t *testing.T) {
	srv := octoprinttest.NewServer(t, apiKey, "MT_prime_line.gcode", "MT_no_prime_line.gcode")
	c := newClient(t, srv.URL, 1)
	ctx := context.Background()

	version, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.9.3", version)

	files, err := c.Files(ctx, "local")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "MT_prime_line.gcode", files[0].Name)
	assert.Equal(t, "local", files[0].Origin)

	info, err := c.Printer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 22.0, info.BedActual)
	assert.False(t, info.Printing)

	job, err := c.JobInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Operational", job.State)
	assert.Empty(t, job.FileName)
}

func TestClientSelectStartCancel(t *testing.T) {
	srv := octoprinttest.NewServer(t, apiKey, "MT_prime_line.gcode")
	c := newClient(t, srv.URL, 1)
	ctx := context.Background()

	require.NoError(t, c.Select(ctx, "local", "MT_prime_line.gcode", false))
	job, err := c.JobInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MT_prime_line.gcode", job.FileName)
	assert.Equal(t, "Operational", job.State)

	require.NoError(t, c.Start(ctx))
	info, err := c.Printer(ctx)
	require.NoError(t, err)
	assert.True(t, info.Printing)

	require.NoError(t, c.Cancel(ctx))
	assert.Equal(t, 1, srv.Cancels())
}

func TestClientUnknownFileIsPermanent(t *testing.T) {
	srv := octoprinttest.NewServer(t, apiKey)
	c := newClient(t, srv.URL, 5)

	err := c.Select(context.Background(), "local", "missing.gcode", false)
	var apiErr *octoprint.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
}

func TestClientRetriesServerErrors(t *testing.T) {
	srv := octoprinttest.NewServer(t, apiKey)
	srv.FailNext(2, http.StatusServiceUnavailable)
	c := newClient(t, srv.URL, 3)

	version, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.9.3", version)
}

func TestClientGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 2)
	_, err := c.Version(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientSendsAPIKey(t *testing.T) {
	srv := octoprinttest.NewServer(t, "another-key")
	c := newClient(t, srv.URL, 3)

	_, err := c.Version(context.Background())
	var apiErr *octoprint.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestClientRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>proxy error</html>"))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 1)
	_, err := c.JobInfo(context.Background())
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestClientPrinterWithoutBed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"temperature":{},"state":{"flags":{"printing":false}}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 1)
	_, err := c.Printer(context.Background())
	assert.Error(t, err)
}
