// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the minimum mlock limit required in kilobytes. Each
// locked buffer costs whole pages plus guard pages, so two token buffers
// need far more than their byte length.
const MinMlockLimitKB = 64

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// TokenCache holds the live access/refresh token pair in memory.
//
// # Description
//
// Sessions persist to the store tier encrypted at rest, but while the app
// runs the current token pair also lives in process memory where every API
// call reads it. TokenCache keeps that copy in mlocked memory (memguard)
// so tokens cannot be swapped to disk. On systems without sufficient mlock
// limits it refuses to start unless FABLEWOOD_INSECURE_MEMORY=true, in
// which case it falls back to ordinary heap memory with a warning.
//
// # Examples
//
//	cache, err := NewTokenCache()
//	if err != nil {
//	    return err
//	}
//	defer cache.Clear()
//
//	cache.Store(session.AccessToken, session.RefreshToken)
//	token, ok := cache.AccessToken()
//
// # Limitations
//
//   - Reading a token copies it into an ordinary string; callers should
//     hold that copy briefly.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenCache struct {
	mu    sync.Mutex
	store tokenStore
}

// tokenStore is the storage tier behind TokenCache. Two implementations:
// mlocked memory and a plain heap fallback.
type tokenStore interface {
	set(access, refresh string) error
	access() (string, bool)
	refresh() (string, bool)
	clear()
	secure() bool
}

// NewTokenCache creates a token cache, secure when the system allows it.
//
// If the mlock limit is insufficient and FABLEWOOD_INSECURE_MEMORY is not
// set, returns an error rather than silently degrading.
func NewTokenCache() (*TokenCache, error) {
	initMemguard()

	if !mlockSufficient {
		store, err := handleInsufficientMlock()
		if err != nil {
			return nil, err
		}
		return &TokenCache{store: store}, nil
	}

	return &TokenCache{store: &secureTokenStore{}}, nil
}

// Store replaces the cached token pair. The previous pair is wiped first.
func (c *TokenCache) Store(accessToken, refreshToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.set(accessToken, refreshToken)
}

// AccessToken returns the cached access token. ok is false when nothing is
// stored.
func (c *TokenCache) AccessToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.access()
}

// RefreshToken returns the cached refresh token. ok is false when nothing
// is stored.
func (c *TokenCache) RefreshToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.refresh()
}

// Clear wipes the cached token pair. Call on sign-out and shutdown.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.clear()
}

// Secure reports whether tokens are held in mlocked memory.
func (c *TokenCache) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.secure()
}

// secureTokenStore keeps each token in its own memguard LockedBuffer.
// Buffers are immutable after creation; replacing a token destroys the old
// buffer and allocates a fresh one.
type secureTokenStore struct {
	accessBuf  *memguard.LockedBuffer
	refreshBuf *memguard.LockedBuffer
}

func (s *secureTokenStore) set(access, refresh string) error {
	s.clear()

	if access != "" {
		buf := memguard.NewBufferFromBytes([]byte(access))
		if buf == nil {
			return fmt.Errorf("token cache: failed to allocate secure buffer")
		}
		s.accessBuf = buf
	}
	if refresh != "" {
		buf := memguard.NewBufferFromBytes([]byte(refresh))
		if buf == nil {
			s.clear()
			return fmt.Errorf("token cache: failed to allocate secure buffer")
		}
		s.refreshBuf = buf
	}
	return nil
}

func (s *secureTokenStore) access() (string, bool) {
	if s.accessBuf == nil || !s.accessBuf.IsAlive() {
		return "", false
	}
	return s.accessBuf.String(), true
}

func (s *secureTokenStore) refresh() (string, bool) {
	if s.refreshBuf == nil || !s.refreshBuf.IsAlive() {
		return "", false
	}
	return s.refreshBuf.String(), true
}

func (s *secureTokenStore) clear() {
	if s.accessBuf != nil {
		s.accessBuf.Destroy()
		s.accessBuf = nil
	}
	if s.refreshBuf != nil {
		s.refreshBuf.Destroy()
		s.refreshBuf = nil
	}
}

func (s *secureTokenStore) secure() bool { return true }

// plainTokenStore is the fallback for systems without sufficient mlock.
// Data may be swapped to disk; clear() zeroes the slices as a best effort.
type plainTokenStore struct {
	accessToken  []byte
	refreshToken []byte
}

func (s *plainTokenStore) set(access, refresh string) error {
	s.clear()
	if access != "" {
		s.accessToken = []byte(access)
	}
	if refresh != "" {
		s.refreshToken = []byte(refresh)
	}
	return nil
}

func (s *plainTokenStore) access() (string, bool) {
	if s.accessToken == nil {
		return "", false
	}
	return string(s.accessToken), true
}

func (s *plainTokenStore) refresh() (string, bool) {
	if s.refreshToken == nil {
		return "", false
	}
	return string(s.refreshToken), true
}

func (s *plainTokenStore) clear() {
	for i := range s.accessToken {
		s.accessToken[i] = 0
	}
	for i := range s.refreshToken {
		s.refreshToken[i] = 0
	}
	s.accessToken = nil
	s.refreshToken = nil
}

func (s *plainTokenStore) secure() bool { return false }

// initMemguard initializes the memguard library and checks mlock limits.
// Only initializes once; subsequent calls are no-ops.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit queries the kernel for the current mlock resource limit
// and compares it against the minimum required for the token cache.
// Returns the limit in kilobytes, -1 if unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the current mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure token memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
		return
	}

	if os.Getenv("FABLEWOOD_INSECURE_MEMORY") == "true" {
		slog.Warn("SECURITY: Running with insecure token memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "FABLEWOOD_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure token memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise the limit or set FABLEWOOD_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock handles the case when mlock limits are insufficient.
func handleInsufficientMlock() (tokenStore, error) {
	if os.Getenv("FABLEWOOD_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure token cache due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return &plainTokenStore{}, nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Raise the limit or set FABLEWOOD_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// MlockAvailable reports whether secure token memory is available on this
// system, and the current mlock limit in KB (-1 if unlimited).
func MlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; also runs automatically on SIGINT/SIGTERM because
// initMemguard registers memguard.CatchInterrupt.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged secure token memory")
}
