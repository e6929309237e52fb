package selfupdate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/minio/selfupdate"
	"go.uber.org/zap"
)

// Updater checks the package index on its own interval and applies newer
// versions. Failures are logged and retried on the next interval; they
// are never fatal to the daemon.
type Updater struct {
	index   PackageIndex
	current *semver.Version
	restart func() error
	logger  *zap.Logger
}

func NewUpdater(index PackageIndex, currentVersion string, logger *zap.Logger) (*Updater, error) {
	current, err := semver.NewVersion(strings.TrimSpace(currentVersion))
	if err != nil {
		return nil, fmt.Errorf("parse current version %q: %w", currentVersion, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{
		index:   index,
		current: current,
		restart: reexec,
		logger:  logger,
	}, nil
}

// WithRestart replaces the process restart hook. Intended for tests.
func (u *Updater) WithRestart(fn func() error) *Updater {
	u.restart = fn
	return u
}

// Check runs one update cycle: query the index, and when a newer version
// is published, swap the binary and restart the process.
func (u *Updater) Check(ctx context.Context) error {
	latest, err := u.index.Latest(ctx)
	if err != nil {
		return fmt.Errorf("check package index: %w", err)
	}

	if !latest.Version.GreaterThan(u.current) {
		u.logger.Debug("daemon is current",
			zap.String("running", u.current.String()),
			zap.String("published", latest.Version.String()))
		return nil
	}

	u.logger.Info("newer version published, updating",
		zap.String("running", u.current.String()),
		zap.String("published", latest.Version.String()))

	body, err := u.index.Fetch(ctx, latest)
	if err != nil {
		return fmt.Errorf("fetch release: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := selfupdate.Apply(body, selfupdate.Options{Checksum: latest.Checksum}); err != nil {
		if rerr := selfupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("apply update failed and rollback failed: %w", rerr)
		}
		return fmt.Errorf("apply update: %w", err)
	}

	u.logger.Info("update applied, restarting",
		zap.String("version", latest.Version.String()))
	return u.restart()
}

// reexec replaces the running process image with the freshly written
// binary, preserving arguments and environment.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
