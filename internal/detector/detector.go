// Package detector defines the detector capability contract, the static
// module registry, and score normalization.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Detector is the fixed capability every scoring module implements.
// Detectors are external collaborators: they return a 0-100 score plus
// evidence metadata, and are never trusted not to fail or hang.
type Detector interface {
	// Name returns the canonical module name.
	Name() string

	// Detect scores a signal. Errors and timeouts are translated to an
	// unavailable result by the runner; they never abort fusion.
	Detect(ctx context.Context, sig *domain.Signal) (domain.DetectorResult, error)
}

// Registry is a static table of detectors keyed by module name. Fusion
// logic never inspects detector types; it only consumes results.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry creates an empty detector registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register adds a detector. Unknown module names are rejected so the
// registry stays aligned with the fusion weight table.
func (r *Registry) Register(d Detector) error {
	name := d.Name()
	if !knownModule(name) {
		return fmt.Errorf("unknown detector module %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.detectors[name] = d
	return nil
}

// Modules returns the registered module names, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered detectors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors)
}

// Run invokes every registered detector concurrently, each bounded by
// the timeout. A detector that errors, times out, or panics yields an
// unavailable result; Run itself never fails. The skip set names modules
// whose scores were already supplied inline by the caller.
func (r *Registry) Run(ctx context.Context, sig *domain.Signal, timeout time.Duration, skip map[string]bool) []domain.DetectorResult {
	r.mu.RLock()
	detectors := make([]Detector, 0, len(r.detectors))
	for name, d := range r.detectors {
		if skip[name] {
			continue
		}
		detectors = append(detectors, d)
	}
	r.mu.RUnlock()

	if len(detectors) == 0 {
		return nil
	}

	results := make([]domain.DetectorResult, len(detectors))
	var wg sync.WaitGroup

	for i, d := range detectors {
		wg.Add(1)
		go func(idx int, det Detector) {
			defer wg.Done()
			results[idx] = runOne(ctx, det, sig, timeout)
		}(i, d)
	}

	wg.Wait()
	return results
}

// runOne executes a single detector with timeout and panic isolation.
func runOne(ctx context.Context, det Detector, sig *domain.Signal, timeout time.Duration) domain.DetectorResult {
	name := det.Name()

	detCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result domain.DetectorResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("detector panic: %v", rec)}
			}
		}()
		res, err := det.Detect(detCtx, sig)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			slog.Warn("detector unavailable",
				"module", name,
				"signal_id", sig.ID,
				"error", out.err,
			)
			return domain.Unavailable(name, out.err.Error())
		}
		if !out.result.Available {
			out.result.Module = name
			return out.result
		}
		// Registered detectors go through the same normalizer boundary
		// as inline results: clamp the score, reject NaN/Inf.
		return Normalize(domain.DetectorInput{
			Module:     name,
			Score:      &out.result.Score,
			Confidence: &out.result.Confidence,
			Metadata:   out.result.Evidence,
		})

	case <-detCtx.Done():
		slog.Warn("detector unavailable",
			"module", name,
			"signal_id", sig.ID,
			"error", detCtx.Err(),
		)
		return domain.Unavailable(name, "timeout: "+detCtx.Err().Error())
	}
}

func knownModule(name string) bool {
	for _, m := range domain.ModuleNames() {
		if m == name {
			return true
		}
	}
	return false
}
