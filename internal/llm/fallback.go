package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultFallbackCooldown is how long a failed platform is skipped.
const DefaultFallbackCooldown = 30 * time.Second

// FallbackProvider sends each request to the first healthy platform in
// order. A platform that fails is benched for the cooldown. When every
// platform is benched they are all tried again in order.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	benchEnd []time.Time
}

// FallbackOption configures a FallbackProvider.
type FallbackOption func(*FallbackProvider)

// WithCooldown sets how long a failed platform is skipped. Zero disables benching.
func WithCooldown(d time.Duration) FallbackOption {
	return func(f *FallbackProvider) { f.cooldown = d }
}

// NewFallbackProvider creates a provider over providers, tried in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger, opts ...FallbackOption) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &FallbackProvider{
		providers: providers,
		logger:    logger,
		cooldown:  DefaultFallbackCooldown,
		now:       time.Now,
		benchEnd:  make([]time.Time, len(providers)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// order returns provider indexes to try: healthy ones first, then benched
// ones only if nothing is healthy.
func (f *FallbackProvider) order() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var healthy, benched []int
	for i := range f.providers {
		if now.Before(f.benchEnd[i]) {
			benched = append(benched, i)
			continue
		}
		healthy = append(healthy, i)
	}
	if len(healthy) == 0 {
		return benched
	}
	return healthy
}

func (f *FallbackProvider) mark(i int, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed && f.cooldown > 0 {
		f.benchEnd[i] = f.now().Add(f.cooldown)
		return
	}
	f.benchEnd[i] = time.Time{}
}

// SendMessage returns the first successful response. Cancellation is
// returned immediately and does not bench the platform.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var errs []string
	var lastErr error
	order := f.order()
	for n, i := range order {
		p := f.providers[i]
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			f.mark(i, false)
			if i > 0 {
				f.logger.InfoContext(ctx, "served by fallback platform",
					slog.String("provider", p.Name()),
					slog.Int("position", i),
				)
			}
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		f.mark(i, true)
		lastErr = err
		errs = append(errs, p.Name()+": "+err.Error())
		f.logger.WarnContext(ctx, "platform failed",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Duration("benched_for", f.cooldown),
			slog.Int("remaining", len(order)-n-1),
		)
	}
	return nil, fmt.Errorf("all %d platforms failed (%s): %w", len(order), strings.Join(errs, "; "), lastErr)
}

// Name is the primary platform's name with a "+fallback" suffix.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
