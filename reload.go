package hammerhead

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ReloadFunc re-reads one piece of runtime state. On error the previous
// state must stay in effect.
type ReloadFunc func(ctx context.Context) error

// FilterReload reloads the filter's loaded rules. Runtime rules added
// through the admin API are kept.
func FilterReload(rf *ReloadableFilter) ReloadFunc {
	return rf.Load
}

// CertReload re-reads the listener certificate source.
func CertReload(cr *CertRotator) ReloadFunc {
	return func(context.Context) error { return cr.Rotate() }
}

// Reloads combines fns into one ReloadFunc. Every fn runs even when an
// earlier one fails, and calls never overlap, so SIGHUP and the admin API
// can share the result.
func Reloads(fns ...ReloadFunc) ReloadFunc {
	var mu sync.Mutex
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		var errs []error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}
}

// SignalReloader runs a reload each time one of its signals arrives.
type SignalReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops watching and waits for an in-flight reload.
func (r *SignalReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP reloads on SIGHUP.
func WatchSIGHUP(reload ReloadFunc, logger *slog.Logger) *SignalReloader {
	return WatchSignals(reload, logger, syscall.SIGHUP)
}

// WatchSignals reloads whenever one of sigs arrives. Failures are logged.
func WatchSignals(reload ReloadFunc, logger *slog.Logger, sigs ...os.Signal) *SignalReloader {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &SignalReloader{cancel: cancel, done: make(chan struct{})}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	go func() {
		defer close(r.done)
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				logger.Info("reloading", "signal", sig.String())
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "signal", sig.String(), "error", err)
					continue
				}
				logger.Info("reload complete")
			}
		}
	}()

	return r
}
