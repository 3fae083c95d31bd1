package hammerhead

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// CertRotator holds the listener certificate source for protocol "https"
// and swaps it at runtime, e.g. from a SIGHUP handler or when the
// certificate files change on disk. Handshakes already in flight keep the
// old source; new connections use the rotated one.
type CertRotator struct {
	load    func() (*CertManager, error)
	current atomic.Pointer[CertManager]

	// Metrics records rotation failures (optional).
	Metrics *Metrics

	// Logger for rotation events.
	Logger *slog.Logger
}

// NewCertRotator creates a rotator and performs the initial load.
func NewCertRotator(load func() (*CertManager, error)) (*CertRotator, error) {
	if load == nil {
		return nil, errors.New("cert rotator: nil loader")
	}
	cr := &CertRotator{load: load, Logger: slog.Default()}
	cm, err := load()
	if err != nil {
		return nil, fmt.Errorf("load listener certificates: %w", err)
	}
	cr.current.Store(cm)
	return cr, nil
}

// CertManager returns the current certificate source. Callers should not
// hold it across a rotation.
func (cr *CertRotator) CertManager() *CertManager {
	return cr.current.Load()
}

// Rotate reloads the certificate source. On failure the previous source
// stays in use.
func (cr *CertRotator) Rotate() error {
	cm, err := cr.load()
	if err != nil {
		if cr.Metrics != nil {
			cr.Metrics.RecordCertRotation(false)
		}
		cr.logger().Error("listener certificate rotation failed", "error", err)
		return fmt.Errorf("rotate listener certificates: %w", err)
	}
	if cm.Metrics == nil {
		cm.Metrics = cr.Metrics
	}
	cr.current.Store(cm)
	if cr.Metrics != nil {
		cr.Metrics.RecordCertRotation(true)
	}
	cr.logger().Info("listener certificates rotated", "subject", cm.Subject())
	return nil
}

// GetCertificate implements tls.Config.GetCertificate against the current
// source.
func (cr *CertRotator) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cr.current.Load().GetCertificate(hello)
}

// TLSConfig returns a listener TLS configuration that follows rotations.
func (cr *CertRotator) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: cr.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// Watch polls the given files every interval and rotates when any of them
// changes. It blocks until ctx is done.
func (cr *CertRotator) Watch(ctx context.Context, interval time.Duration, paths ...string) {
	if interval <= 0 || len(paths) == 0 {
		return
	}
	mods := make([]time.Time, len(paths))
	for i, p := range paths {
		mods[i] = modTime(p)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed := false
			for i, p := range paths {
				if m := modTime(p); m.After(mods[i]) {
					mods[i] = m
					changed = true
				}
			}
			if changed {
				_ = cr.Rotate()
			}
		}
	}
}

func (cr *CertRotator) logger() *slog.Logger {
	if cr.Logger == nil {
		return slog.Default()
	}
	return cr.Logger
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
