// Package platform wraps a TreeSnapshotSource with the retry, settle and
// cleanup discipline every caller of the platform needs.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
	"go.uber.org/zap"
)

const (
	defaultSettleTimeout = 1500 * time.Millisecond
	defaultPollInterval  = 150 * time.Millisecond
	// cleanupTimeout bounds one back or scroll-restore action issued while
	// the session context is already canceled.
	cleanupTimeout = 5 * time.Second
)

// Settled is a snapshot that was read twice in a row with the same fingerprint.
type Settled struct {
	Snapshot    *schemas.ScreenSnapshot
	Fingerprint schemas.Fingerprint
	// Instance tells apart two screens that share a fingerprint only
	// because volatile text was masked.
	Instance schemas.Fingerprint
}

// Driver performs reads and dispatches against the platform. Every read and
// dispatch is attempted at most twice. It holds no per-session state.
type Driver struct {
	source        schemas.TreeSnapshotSource
	fp            *fingerprint.Fingerprinter
	logger        *zap.Logger
	settleTimeout time.Duration
	pollInterval  time.Duration
}

// NewDriver creates a Driver using the settle settings of cfg.
func NewDriver(source schemas.TreeSnapshotSource, fp *fingerprint.Fingerprinter, cfg config.ExplorerConfig, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		source:        source,
		fp:            fp,
		logger:        logger.Named("platform"),
		settleTimeout: cfg.SettleTimeout,
		pollInterval:  cfg.SettlePollInterval,
	}
	if d.settleTimeout <= 0 {
		d.settleTimeout = defaultSettleTimeout
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	return d
}

// Fingerprinter exposes the hasher the driver settles with.
func (d *Driver) Fingerprinter() *fingerprint.Fingerprinter { return d.fp }

// Read takes one snapshot of the foreground screen, retrying once. Paths are
// annotated on the returned tree.
func (d *Driver) Read(ctx context.Context) (*schemas.ScreenSnapshot, error) {
	var snap *schemas.ScreenSnapshot
	err := d.withRetry(ctx, "read", func(ctx context.Context) error {
		var err error
		snap, err = d.source.Snapshot(ctx, schemas.ForegroundScreen)
		if err == nil && snap == nil {
			err = errNoSnapshot
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	fingerprint.AnnotatePaths(snap.Root)
	return snap, nil
}

// Dispatch performs action on ref, retrying once.
func (d *Driver) Dispatch(ctx context.Context, ref string, action schemas.ActionKind) error {
	return d.withRetry(ctx, string(action), func(ctx context.Context) error {
		return d.source.Dispatch(ctx, ref, action)
	})
}

// Settle polls the screen until two consecutive reads hash the same. If that
// does not happen within the settle window it makes one more attempt before
// giving up with ErrDispatchTimeout.
func (d *Driver) Settle(ctx context.Context) (Settled, error) {
	s, err := d.settleOnce(ctx)
	if err == nil || !errors.Is(err, ErrDispatchTimeout) {
		return s, err
	}
	d.logger.Debug("Screen still changing after settle window, retrying.", zap.Duration("window", d.settleTimeout))
	return d.settleOnce(ctx)
}

func (d *Driver) settleOnce(ctx context.Context) (Settled, error) {
	deadline := time.NewTimer(d.settleTimeout)
	defer deadline.Stop()

	var prev schemas.Fingerprint
	havePrev := false
	var lastErr error
	for {
		snap, err := d.source.Snapshot(ctx, schemas.ForegroundScreen)
		if err == nil && snap == nil {
			err = errNoSnapshot
		}
		switch {
		case err != nil && ctx.Err() != nil:
			return Settled{}, ctx.Err()
		case err != nil:
			lastErr = err
			havePrev = false
		default:
			fp := d.fp.Compute(snap)
			if havePrev && fp == prev {
				fingerprint.AnnotatePaths(snap.Root)
				return Settled{Snapshot: snap, Fingerprint: fp, Instance: d.fp.Instance(snap)}, nil
			}
			prev, havePrev = fp, true
		}

		select {
		case <-ctx.Done():
			return Settled{}, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return Settled{}, fmt.Errorf("%w (last read error: %v)", ErrDispatchTimeout, lastErr)
			}
			return Settled{}, ErrDispatchTimeout
		case <-time.After(d.pollInterval):
		}
	}
}

// Act dispatches action on ref and waits for the resulting screen to settle.
func (d *Driver) Act(ctx context.Context, ref string, action schemas.ActionKind) (Settled, error) {
	if err := d.Dispatch(ctx, ref, action); err != nil {
		return Settled{}, err
	}
	return d.Settle(ctx)
}

// Cleanup performs action even when ctx is already canceled, bounded by its
// own timeout, and waits for the screen to settle.
func (d *Driver) Cleanup(ctx context.Context, ref string, action schemas.ActionKind) (Settled, error) {
	cctx, cancel := CleanupContext(ctx, cleanupTimeout)
	defer cancel()
	return d.Act(cctx, ref, action)
}

// withRetry runs op up to twice. Context errors are returned as they are and
// never retried; anything else is wrapped as ErrTransientRead.
func (d *Driver) withRetry(ctx context.Context, name string, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == 1 {
			d.logger.Debug("Platform call failed, retrying once.", zap.String("op", name), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pollInterval):
			}
		}
	}
	return fmt.Errorf("%w: %s failed twice: %w", ErrTransientRead, name, err)
}
