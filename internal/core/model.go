package core

import (
	"fmt"
	"time"
)

// Platform identifies the upstream service an event or entity came from.
type Platform string

const (
	PlatformBilibili Platform = "bilibili"
	PlatformTwitch   Platform = "twitch"
)

// Role is the sender's standing in the channel or on the platform.
type Role int

const (
	RoleGeneral Role = iota
	RoleChannelModerator
	RoleHost
	RolePlatformModerator
	RolePlatformStaff
)

// Kind discriminates the canonical event union.
type Kind string

const (
	KindEnter           Kind = "enter"
	KindFollow          Kind = "follow"
	KindMessage         Kind = "message"
	KindSuperChat       Kind = "super-chat"
	KindGift            Kind = "gift"
	KindMembership      Kind = "membership"
	KindViewersCount    Kind = "viewers-count"
	KindAudienceUpdated Kind = "audience-updated"
)

// Audience is one viewer, deduplicated by (platform, user id).
type Audience struct {
	ID          string
	Platform    Platform
	UserID      string
	Username    string
	DisplayName string
	Avatar      string
	Badges      []Badge
	IsMember    bool
	Role        Role
}

// Level is derived from the badges; it is never stored directly.
func (a Audience) Level() int {
	level := 0
	for _, b := range a.Badges {
		if b.Level > level {
			level = b.Level
		}
	}
	return level
}

// DisplayNameOrUsername prefers the display name when both are known.
func (a Audience) DisplayNameOrUsername() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

// Badge is one level of a badge scope. Levels are distinct records; a badge
// is never mutated across levels.
type Badge struct {
	ID          string
	Platform    Platform
	Level       int
	DisplayName string
	Image       string
	Color       string
}

// Sku is a purchasable unit: a gift, a super-chat bucket, a membership tier.
type Sku struct {
	ID          string
	Platform    Platform
	Tier        int
	Amount      float64
	Currency    string
	DisplayName string
	Image       string
}

// Emote is an inline emoticon reference inside a message.
type Emote struct {
	ID       string
	Platform Platform
	Keyword  string
	Image    string
}

// Event is the canonical representation shared by every platform. The set of
// populated fields depends on Kind; absent source fields stay zero.
type Event struct {
	Kind     Kind
	Platform Platform
	ID       string
	Ts       time.Time

	Sender *Audience

	// message, super-chat
	Content string
	Emotes  []Emote
	Color   string
	ReplyTo string

	// gift, super-chat, membership
	Sku   *Sku
	Count int
	Note  string

	// membership
	Start    time.Time
	End      time.Time
	GiftedBy *Audience

	// viewers-count
	Viewers int
}

// EntityID builds the deterministic storage key for an entity, e.g.
// "bilibili.audience.12345". Two records with the same key are the same
// entity and must be upserted, never blind-inserted.
func EntityID(platform Platform, kind, key string) string {
	return fmt.Sprintf("%s.%s.%s", platform, kind, key)
}

// AudienceID is the identity key of a viewer.
func AudienceID(platform Platform, userID string) string {
	return EntityID(platform, "audience", userID)
}

// BadgeID keys one level of a badge scope.
func BadgeID(platform Platform, scope string, level int) string {
	return EntityID(platform, "badge", fmt.Sprintf("%s.%d", scope, level))
}

// SkuID keys a purchasable unit.
func SkuID(platform Platform, key string) string {
	return EntityID(platform, "sku", key)
}

// EventID derives a stable canonical event id from a platform-native one.
func EventID(platform Platform, native string) string {
	return fmt.Sprintf("%s.event.%s", platform, native)
}
