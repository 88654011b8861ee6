package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCooldownStep is the cooldown added per consecutive failure of a profile.
const DefaultCooldownStep = time.Minute

// ErrNoProfiles is returned when a FailoverModel has no usable profile.
var ErrNoProfiles = errors.New("no auth profiles available")

// FailoverModel tries auth profiles in priority order (lower first). A failing
// profile cools down for DefaultCooldownStep times its consecutive failures.
// Non-transient errors stop the walk.
type FailoverModel struct {
	factory      ProviderCreator
	cooldownStep time.Duration
	now          func() time.Time

	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]Model
}

// NewFailoverModel builds a failover model. A nil factory uses ProviderFactory.
func NewFailoverModel(profiles []AuthProfile, factory ProviderCreator) (*FailoverModel, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if factory == nil {
		factory = &ProviderFactory{}
	}
	seen := make(map[string]bool, len(profiles))
	copied := make([]AuthProfile, len(profiles))
	for i, p := range profiles {
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s-%d", p.Provider, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate auth profile id %q", p.ID)
		}
		seen[p.ID] = true
		copied[i] = p
	}
	sortProfilesByPriority(copied)
	return &FailoverModel{
		factory:      factory,
		cooldownStep: DefaultCooldownStep,
		now:          time.Now,
		profiles:     copied,
		providers:    make(map[string]Model),
	}, nil
}

// Name returns the provider name
func (f *FailoverModel) Name() string {
	return "failover"
}

// Profiles returns a snapshot of the profiles with their failure state.
func (f *FailoverModel) Profiles() []AuthProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AuthProfile, len(f.profiles))
	copy(out, f.profiles)
	return out
}

// Generate calls the first healthy profile, moving on after transient failures.
func (f *FailoverModel) Generate(ctx context.Context, request Request) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	profiles := f.Profiles()

	var lastErr error
	attempted := 0
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && f.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(profile.Provider, false)

		provider, err := f.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		attempted++
		req := request
		if profile.Model != "" {
			req.Model = profile.Model
		}
		resp, err := f.call(ctx, profile, provider, req)
		if err == nil {
			f.markSuccess(profile.ID)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		f.markFailure(profile.ID)
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		if !IsTransient(err) {
			return nil, err
		}
	}

	if attempted == 0 && lastErr == nil {
		return nil, Transient(fmt.Errorf("%w: all profiles cooling down", ErrNoProfiles))
	}
	if lastErr == nil {
		lastErr = ErrNoProfiles
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverModel) call(ctx context.Context, profile AuthProfile, provider Model, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.failover_call",
		attribute.String("profile_id", profile.ID),
		attribute.String("provider", provider.Name()),
	)
	defer span.End()

	resp, err := provider.Generate(ctx, req)
	if err != nil {
		return nil, tracing.FailSpan(span, err)
	}
	return resp, nil
}

func (f *FailoverModel) provider(profile AuthProfile) (Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := f.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	f.providers[profile.ID] = p
	return p, nil
}

// markSuccess resets failure count for a profile
func (f *FailoverModel) markSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(f.profiles[i].Provider, false)
			break
		}
	}
}

// markFailure puts a profile into cooldown
func (f *FailoverModel) markFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			until := f.now().Add(time.Duration(f.profiles[i].FailureCount) * f.cooldownStep).UnixMilli()
			f.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(f.profiles[i].Provider, true)
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
