// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fablewood/resilience/pkg/logging"
)

// Replicated fans a key-value API out over an ordered list of backends.
//
// # Description
//
// Reads walk the backends in order and return the first hit; a miss in one
// tier is never backfilled from a lower one, consistency comes from fanning
// every write out instead. Writes succeed when at least one backend took
// the value: session backups must survive a broken tier, not be held
// hostage by it. Only when every backend fails does Set return a
// PartialWriteError.
//
// # Thread Safety
//
// Safe for concurrent use when all backends are.
type Replicated struct {
	backends []Store
	logger   *logging.Logger
}

// NewReplicated builds a replicated store over backends, highest read
// priority first. A nil logger falls back to the package default.
func NewReplicated(logger *logging.Logger, backends ...Store) *Replicated {
	if logger == nil {
		logger = logging.Default()
	}
	return &Replicated{
		backends: backends,
		logger:   logger.For(logging.CategoryStorage),
	}
}

// Name identifies the backend.
func (r *Replicated) Name() string { return "replicated" }

// Get returns the value from the highest-priority backend holding key.
// Backend read errors are logged and treated as misses so one broken tier
// cannot mask a healthy lower one.
func (r *Replicated) Get(ctx context.Context, key string) ([]byte, error) {
	for _, b := range r.backends {
		value, err := b.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !IsNotFound(err) {
			r.logger.Warn("backend read failed, trying next",
				"backend", b.Name(),
				"key", key,
				"error", err.Error(),
			)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

// Set writes value to every backend concurrently. Succeeds when at least
// one write lands; per-backend failures are logged. Returns
// PartialWriteError only when all backends fail.
func (r *Replicated) Set(ctx context.Context, key string, value []byte) error {
	errs := r.fanOut(func(b Store) error {
		return b.Set(ctx, key, value)
	})
	return r.collect("write", key, errs)
}

// Delete removes key from every backend, best effort. Like Set, it fails
// only when every backend errored.
func (r *Replicated) Delete(ctx context.Context, key string) error {
	errs := r.fanOut(func(b Store) error {
		return b.Delete(ctx, key)
	})
	return r.collect("delete", key, errs)
}

// fanOut runs op against each backend concurrently and returns per-backend
// errors by index. A plain errgroup (no shared context) keeps one failing
// backend from cancelling its siblings.
func (r *Replicated) fanOut(op func(Store) error) []error {
	errs := make([]error, len(r.backends))

	var g errgroup.Group
	for i, b := range r.backends {
		g.Go(func() error {
			errs[i] = op(b)
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

// collect logs per-backend failures and builds the all-failed error.
func (r *Replicated) collect(op, key string, errs []error) error {
	failures := make(map[string]error)
	for i, err := range errs {
		if err == nil {
			continue
		}
		failures[r.backends[i].Name()] = err
		r.logger.Warn("backend "+op+" failed",
			"backend", r.backends[i].Name(),
			"key", key,
			"error", err.Error(),
		)
	}
	if len(failures) == len(r.backends) && len(r.backends) > 0 {
		return &PartialWriteError{Key: key, Failures: failures}
	}
	return nil
}

// Available probes each backend with a read and reports which responded.
// A key miss counts as available; only real errors mark a tier down.
func (r *Replicated) Available(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(r.backends))
	for _, b := range r.backends {
		_, err := b.Get(ctx, "availability-probe")
		out[b.Name()] = err == nil || IsNotFound(err)
	}
	return out
}

// Backends returns the backend names in read-priority order.
func (r *Replicated) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

// Close closes every backend and joins their errors.
func (r *Replicated) Close() error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
