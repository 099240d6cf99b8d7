package system

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/KevinKickass/MachineTending/internal/types"
)

// InstanceLock keeps a second control loop off the same cell.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock without waiting.
func AcquireLock(path string) (*InstanceLock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, types.Fatal(types.FaultConfig, "lock", fmt.Errorf("%s: %w", path, err))
	}
	if !ok {
		return nil, types.Fatalf(types.FaultPrecondition, "lock", "another instance holds %s", path)
	}
	return &InstanceLock{fl: fl}, nil
}

func (l *InstanceLock) Path() string {
	return l.fl.Path()
}

func (l *InstanceLock) Release() error {
	return l.fl.Unlock()
}
