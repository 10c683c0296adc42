// Package identity deduplicates the recurring entities observed in live
// events - audiences, badges, skus - and enriches audiences with profile
// data at most once per process run.
package identity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/you/streamfeed/internal/core"
)

// Store is the persistent collaborator. Find returns nil without error when
// the key is unknown; Save must be atomic and visible to subsequent finds.
// The cache is the store's only writer for entity records.
type Store interface {
	FindAudience(id string) (*core.Audience, error)
	SaveAudience(a core.Audience) error
	FindBadge(id string) (*core.Badge, error)
	SaveBadge(b core.Badge) error
	FindSku(id string) (*core.Sku, error)
	SaveSku(s core.Sku) error
}

// Profile is the supplementary data an enrichment fetch can return.
type Profile struct {
	Avatar      string
	DisplayName string
}

// ProfileFetcher looks up profile data for a platform-native user id.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
}

// AudienceSpec carries the fields a caller observed for a viewer. Zero
// fields are "not supplied" and never overwrite stored values; IsMember and
// Role use pointers because false and General are meaningful.
type AudienceSpec struct {
	Platform    core.Platform
	UserID      string
	Username    string
	DisplayName string
	Avatar      string
	Badges      []core.Badge
	IsMember    *bool
	Role        *core.Role
}

type BadgeSpec struct {
	Platform    core.Platform
	Scope       string
	Level       int
	DisplayName string
	Image       string
	Color       string
}

type SkuSpec struct {
	Platform    core.Platform
	Key         string
	Tier        int
	Amount      float64
	Currency    string
	DisplayName string
	Image       string
}

// Cache is one process-scoped identity cache. The "already enriched" set
// lives here, not in a global, so instances stay independently testable.
type Cache struct {
	store    Store
	fetchers map[core.Platform]ProfileFetcher
	publish  func(core.Event)
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	enriched map[string]struct{}
	closed   bool

	wg sync.WaitGroup
}

// Options configures a Cache. Publish receives AudienceUpdated events; a nil
// func drops them.
type Options struct {
	Fetchers map[core.Platform]ProfileFetcher
	Publish  func(core.Event)
	// FetchesPerSecond caps enrichment lookups against platform APIs.
	FetchesPerSecond float64
	Logger           *slog.Logger
}

func New(store Store, opts Options) *Cache {
	rps := opts.FetchesPerSecond
	if rps <= 0 {
		rps = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		fetchers: opts.Fetchers,
		publish:  opts.Publish,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		logger:   logger,
		enriched: make(map[string]struct{}),
	}
}

// Audience finds or creates the viewer keyed by (platform, user id), merging
// the supplied non-zero fields into any existing record. The id never
// changes once assigned; earlier non-zero values are never reverted.
func (c *Cache) Audience(spec AudienceSpec) (core.Audience, error) {
	if spec.UserID == "" {
		return core.Audience{}, errors.New("identity: audience user id is required")
	}
	id := core.AudienceID(spec.Platform, spec.UserID)

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.store.FindAudience(id)
	if err != nil {
		return core.Audience{}, errors.Wrap(err, "find audience")
	}
	a := core.Audience{ID: id, Platform: spec.Platform, UserID: spec.UserID}
	if existing != nil {
		a = *existing
	}

	if spec.Username != "" {
		a.Username = spec.Username
	}
	if spec.DisplayName != "" {
		a.DisplayName = spec.DisplayName
	}
	if spec.Avatar != "" {
		a.Avatar = spec.Avatar
	}
	if len(spec.Badges) > 0 {
		a.Badges = append([]core.Badge(nil), spec.Badges...)
	}
	if spec.IsMember != nil {
		a.IsMember = *spec.IsMember
	}
	if spec.Role != nil {
		a.Role = *spec.Role
	}

	if err := c.store.SaveAudience(a); err != nil {
		return core.Audience{}, errors.Wrap(err, "save audience")
	}
	return a, nil
}

// Badge finds or creates one level of a badge scope.
func (c *Cache) Badge(spec BadgeSpec) (core.Badge, error) {
	if spec.Scope == "" {
		return core.Badge{}, errors.New("identity: badge scope is required")
	}
	id := core.BadgeID(spec.Platform, spec.Scope, spec.Level)

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.store.FindBadge(id)
	if err != nil {
		return core.Badge{}, errors.Wrap(err, "find badge")
	}
	b := core.Badge{ID: id, Platform: spec.Platform, Level: spec.Level}
	if existing != nil {
		b = *existing
	}
	if spec.DisplayName != "" {
		b.DisplayName = spec.DisplayName
	}
	if spec.Image != "" {
		b.Image = spec.Image
	}
	if spec.Color != "" {
		b.Color = spec.Color
	}

	if err := c.store.SaveBadge(b); err != nil {
		return core.Badge{}, errors.Wrap(err, "save badge")
	}
	return b, nil
}

// Sku finds or creates a purchasable unit.
func (c *Cache) Sku(spec SkuSpec) (core.Sku, error) {
	if spec.Key == "" {
		return core.Sku{}, errors.New("identity: sku key is required")
	}
	id := core.SkuID(spec.Platform, spec.Key)

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.store.FindSku(id)
	if err != nil {
		return core.Sku{}, errors.Wrap(err, "find sku")
	}
	s := core.Sku{ID: id, Platform: spec.Platform, Tier: spec.Tier}
	if existing != nil {
		s = *existing
	}
	if spec.Amount != 0 {
		s.Amount = spec.Amount
	}
	if spec.Currency != "" {
		s.Currency = spec.Currency
	}
	if spec.DisplayName != "" {
		s.DisplayName = spec.DisplayName
	}
	if spec.Image != "" {
		s.Image = spec.Image
	}

	if err := c.store.SaveSku(s); err != nil {
		return core.Sku{}, errors.Wrap(err, "save sku")
	}
	return s, nil
}

// ScheduleEnrichment fetches avatar and display name for the audience in the
// background, at most once per audience id per process lifetime, then merges
// the result and publishes an AudienceUpdated event. Fetches that finish
// after Close merge nothing.
func (c *Cache) ScheduleEnrichment(ctx context.Context, a core.Audience) {
	if a.ID == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, seen := c.enriched[a.ID]; seen {
		c.mu.Unlock()
		return
	}
	c.enriched[a.ID] = struct{}{}
	fetcher := c.fetchers[a.Platform]
	c.mu.Unlock()

	if fetcher == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		profile, err := fetcher.FetchProfile(ctx, a.UserID)
		if err != nil {
			c.logger.Error("identity: enrichment fetch failed",
				"platform", a.Platform, "user", a.UserID, "err", err)
			return
		}
		c.applyProfile(a, profile)
	}()
}

func (c *Cache) applyProfile(a core.Audience, p Profile) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if p.Avatar == "" && p.DisplayName == "" {
		return
	}

	merged, err := c.Audience(AudienceSpec{
		Platform:    a.Platform,
		UserID:      a.UserID,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
	})
	if err != nil {
		c.logger.Error("identity: enrichment merge failed", "id", a.ID, "err", err)
		return
	}
	if c.publish != nil {
		c.publish(core.Event{
			Kind:     core.KindAudienceUpdated,
			Platform: merged.Platform,
			ID:       merged.ID,
			Sender:   &merged,
		})
	}
}

// Close stops future enrichment merges. In-flight fetches are allowed to
// complete; Wait blocks until they do.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Wait blocks until background enrichment goroutines finish. Test helper
// and shutdown aid.
func (c *Cache) Wait() {
	c.wg.Wait()
}
