package printer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/KevinKickass/MachineTending/internal/octoprint"
	"github.com/KevinKickass/MachineTending/internal/types"
	"go.uber.org/zap"
)

// Location is the OctoPrint storage the job files live in.
const Location = "local"

// Transport is the REST surface the link drives; *octoprint.Client implements it.
type Transport interface {
	Version(ctx context.Context) (string, error)
	Files(ctx context.Context, location string) ([]octoprint.File, error)
	Select(ctx context.Context, location, path string, print bool) error
	Start(ctx context.Context) error
	Cancel(ctx context.Context) error
	JobInfo(ctx context.Context) (octoprint.JobInfo, error)
	Printer(ctx context.Context) (octoprint.PrinterInfo, error)
}

type Link struct {
	transport Transport
	logger    *zap.Logger
}

func NewLink(transport Transport, logger *zap.Logger) *Link {
	return &Link{transport: transport, logger: logger}
}

// classify maps transport errors onto the fault taxonomy. Reads tolerate
// 409 (printer detached from OctoPrint) as a transient condition. Context
// errors pass through only when ctx itself is done; an HTTP client timeout
// also matches context.DeadlineExceeded and is a broken link.
func classify(ctx context.Context, op string, err error, read bool) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	var apiErr *octoprint.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Temporary():
			return types.LinkBroken(op, err)
		case read && apiErr.StatusCode == http.StatusConflict:
			return types.LinkBroken(op, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return types.Fatal(types.FaultConfig, op, err)
		default:
			return types.Fatal(types.FaultProtocol, op, err)
		}
	}
	return types.LinkBroken(op, err)
}

// Connect checks that the API answers and logs the server version.
func (l *Link) Connect(ctx context.Context) (string, error) {
	version, err := l.transport.Version(ctx)
	if err != nil {
		return "", classify(ctx, "version", err, true)
	}
	l.logger.Info("OctoPrint connected", zap.String("octoprint_version", version))
	return version, nil
}

// VerifyFiles requires every job file to be uploaded to local storage.
func (l *Link) VerifyFiles(ctx context.Context, names ...string) error {
	files, err := l.transport.Files(ctx, Location)
	if err != nil {
		return classify(ctx, "list files", err, true)
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Name] = true
	}

	var missing []string
	for _, name := range names {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return types.Fatalf(types.FaultConfig, "verify files", "gcode files missing from OctoPrint: %v", missing)
	}

	l.logger.Info("Verified gcode files uploaded to OctoPrint", zap.Strings("files", names))
	return nil
}

// Select selects name without starting it.
func (l *Link) Select(ctx context.Context, name string) error {
	if err := l.transport.Select(ctx, Location, name, false); err != nil {
		return classify(ctx, "select "+name, err, false)
	}
	return nil
}

// SelectedJob re-reads the job metadata and returns the selected file name.
func (l *Link) SelectedJob(ctx context.Context) (string, error) {
	info, err := l.transport.JobInfo(ctx)
	if err != nil {
		return "", classify(ctx, "job info", err, true)
	}
	return info.FileName, nil
}

func (l *Link) Start(ctx context.Context) error {
	if err := l.transport.Start(ctx); err != nil {
		return classify(ctx, "start job", err, false)
	}
	return nil
}

func (l *Link) Cancel(ctx context.Context) error {
	if err := l.transport.Cancel(ctx); err != nil {
		return classify(ctx, "cancel job", err, false)
	}
	return nil
}

// State returns the job state as reported right now.
func (l *Link) State(ctx context.Context) (types.JobState, error) {
	info, err := l.transport.JobInfo(ctx)
	if err != nil {
		return "", classify(ctx, "job state", err, true)
	}
	if info.State == "" {
		return "", types.LinkBroken("job state", fmt.Errorf("empty state in job report"))
	}
	return types.JobState(info.State), nil
}

// BedTemperature returns the actual bed temperature in °C.
func (l *Link) BedTemperature(ctx context.Context) (float64, error) {
	info, err := l.transport.Printer(ctx)
	if err != nil {
		return 0, classify(ctx, "bed temperature", err, true)
	}
	return info.BedActual, nil
}
