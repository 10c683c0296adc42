// Package twitchlive attaches to Twitch chat and PubSub and normalizes both
// into canonical events. Unlike the Bilibili side there is no hand-rolled
// wire protocol here; the IRC library owns the chat connection and this
// package owns a small PubSub client plus the payload mapping.
package twitchlive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/connector"
	"github.com/you/streamfeed/internal/core"
	"github.com/you/streamfeed/internal/identity"
)

const (
	currencyUSD = "USD"

	bitsSkuKey  = "bits"
	bitsSkuName = "Bits"
	// one bit is worth a cent
	bitUnitAmount = 0.01
)

// Subscription plans keyed by the wire spelling. Prime maps to tier 1.
var (
	planTiers   = map[string]int{"Prime": 1, "1000": 1, "2000": 2, "3000": 3}
	planAmounts = map[string]float64{"Prime": 1, "1000": 4.9, "2000": 9.99, "3000": 24.99}
)

// Identity is the slice of the identity cache the normalizer needs.
type Identity interface {
	Audience(spec identity.AudienceSpec) (core.Audience, error)
	Badge(spec identity.BadgeSpec) (core.Badge, error)
	Sku(spec identity.SkuSpec) (core.Sku, error)
	ScheduleEnrichment(ctx context.Context, a core.Audience)
}

// Normalizer maps chat messages and PubSub payloads to canonical events.
type Normalizer struct {
	ids Identity
	now func() time.Time
}

func NewNormalizer(ids Identity) *Normalizer {
	return &Normalizer{ids: ids, now: time.Now}
}

// Message maps one PRIVMSG.
func (n *Normalizer) Message(ctx context.Context, msg twitch.PrivateMessage) (*core.Event, error) {
	if msg.User.ID == "" {
		return nil, dropf("message user id missing")
	}

	badges, err := n.chatBadges(msg.User.Badges)
	if err != nil {
		return nil, err
	}
	role := roleFromBadges(msg.User.Badges)
	isMember := msg.User.Badges["subscriber"] > 0 || msg.User.Badges["founder"] > 0

	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformTwitch,
		UserID:      msg.User.ID,
		Username:    msg.User.Name,
		DisplayName: msg.User.DisplayName,
		Badges:      badges,
		IsMember:    &isMember,
		Role:        &role,
	})
	if err != nil {
		return nil, err
	}

	ts := msg.Time
	if ts.IsZero() {
		ts = n.now()
	}
	replyTo := ""
	if msg.Reply != nil {
		replyTo = msg.Reply.ParentMsgID
	}
	eventsTotal.WithLabelValues("chat").Inc()
	return &core.Event{
		Kind:     core.KindMessage,
		Platform: core.PlatformTwitch,
		ID:       core.EventID(core.PlatformTwitch, nativeID(msg.ID)),
		Ts:       ts,
		Sender:   audience,
		Content:  msg.Message,
		Emotes:   chatEmotes(msg.Emotes),
		Color:    msg.User.Color,
		ReplyTo:  replyTo,
	}, nil
}

type bitsPayload struct {
	Data struct {
		UserName    string `json:"user_name"`
		UserID      string `json:"user_id"`
		BitsUsed    int    `json:"bits_used"`
		ChatMessage string `json:"chat_message"`
		Time        string `json:"time"`
		IsAnonymous bool   `json:"is_anonymous"`
	} `json:"data"`
	MessageID string `json:"message_id"`
}

// Bits maps a cheer. Anonymous cheers carry no sender.
func (n *Normalizer) Bits(ctx context.Context, data []byte) (*core.Event, error) {
	var p bitsPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if p.Data.BitsUsed <= 0 {
		return nil, dropf("bits amount missing")
	}

	var audience *core.Audience
	if !p.Data.IsAnonymous && p.Data.UserID != "" {
		audience, _ = n.maybeAudience(ctx, identity.AudienceSpec{
			Platform:    core.PlatformTwitch,
			UserID:      p.Data.UserID,
			Username:    p.Data.UserName,
			DisplayName: p.Data.UserName,
		})
	}

	sku, err := n.ids.Sku(identity.SkuSpec{
		Platform:    core.PlatformTwitch,
		Key:         bitsSkuKey,
		Amount:      bitUnitAmount,
		Currency:    currencyUSD,
		DisplayName: bitsSkuName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "sku")
	}

	eventsTotal.WithLabelValues("bits").Inc()
	return &core.Event{
		Kind:     core.KindGift,
		Platform: core.PlatformTwitch,
		ID:       core.EventID(core.PlatformTwitch, nativeID(p.MessageID)),
		Ts:       parseTimeOr(p.Data.Time, n.now()),
		Sender:   audience,
		Sku:      &sku,
		Count:    p.Data.BitsUsed,
		Note:     p.Data.ChatMessage,
	}, nil
}

type subscriptionPayload struct {
	UserName             string `json:"user_name"`
	DisplayName          string `json:"display_name"`
	UserID               string `json:"user_id"`
	Time                 string `json:"time"`
	SubPlan              string `json:"sub_plan"`
	SubPlanName          string `json:"sub_plan_name"`
	CumulativeMonths     int    `json:"cumulative_months"`
	Context              string `json:"context"`
	RecipientID          string `json:"recipient_id"`
	RecipientUserName    string `json:"recipient_user_name"`
	RecipientDisplayName string `json:"recipient_display_name"`
	MultiMonthDuration   int    `json:"multi_month_duration"`
	SubMessage           struct {
		Message string `json:"message"`
	} `json:"sub_message"`
}

// Subscription maps subs, resubs and gifted subs to membership events. For a
// gift the member is the recipient and the payer lands in GiftedBy.
func (n *Normalizer) Subscription(ctx context.Context, data []byte) (*core.Event, error) {
	var p subscriptionPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	tier, ok := planTiers[p.SubPlan]
	if !ok {
		return nil, dropf("unknown sub plan %q", p.SubPlan)
	}

	isGift := p.Context == "subgift" || p.Context == "anonsubgift" || p.Context == "resubgift"

	isMember := true
	var member *core.Audience
	var giftedBy *core.Audience
	var err error
	if isGift {
		if p.RecipientID == "" {
			return nil, dropf("gift sub recipient missing")
		}
		member, err = n.resolveAudience(ctx, identity.AudienceSpec{
			Platform:    core.PlatformTwitch,
			UserID:      p.RecipientID,
			Username:    p.RecipientUserName,
			DisplayName: p.RecipientDisplayName,
			IsMember:    &isMember,
		})
		if err != nil {
			return nil, err
		}
		if p.Context != "anonsubgift" && p.UserID != "" {
			giftedBy, _ = n.maybeAudience(ctx, identity.AudienceSpec{
				Platform:    core.PlatformTwitch,
				UserID:      p.UserID,
				Username:    p.UserName,
				DisplayName: p.DisplayName,
			})
		}
	} else {
		if p.UserID == "" {
			return nil, dropf("sub user missing")
		}
		member, err = n.resolveAudience(ctx, identity.AudienceSpec{
			Platform:    core.PlatformTwitch,
			UserID:      p.UserID,
			Username:    p.UserName,
			DisplayName: p.DisplayName,
			IsMember:    &isMember,
		})
		if err != nil {
			return nil, err
		}
	}

	sku, err := n.ids.Sku(identity.SkuSpec{
		Platform:    core.PlatformTwitch,
		Key:         fmt.Sprintf("membership.%d", tier),
		Tier:        tier,
		Amount:      planAmounts[p.SubPlan],
		Currency:    currencyUSD,
		DisplayName: p.SubPlanName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "sku")
	}

	months := p.MultiMonthDuration
	if months <= 0 {
		months = 1
	}
	start := parseTimeOr(p.Time, n.now())
	eventsTotal.WithLabelValues("subscription").Inc()
	return &core.Event{
		Kind:     core.KindMembership,
		Platform: core.PlatformTwitch,
		ID:       core.EventID(core.PlatformTwitch, uuid.NewString()),
		Ts:       start,
		Sender:   member,
		Sku:      &sku,
		Count:    months,
		Note:     p.SubMessage.Message,
		Start:    start,
		End:      start.AddDate(0, months, 0),
		GiftedBy: giftedBy,
	}, nil
}

type followPayload struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	UserID      string `json:"user_id"`
}

func (n *Normalizer) Follow(ctx context.Context, data []byte) (*core.Event, error) {
	var p followPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, dropf("follow user id missing")
	}
	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformTwitch,
		UserID:      p.UserID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
	})
	if err != nil {
		return nil, err
	}
	eventsTotal.WithLabelValues("follow").Inc()
	return &core.Event{
		Kind:     core.KindFollow,
		Platform: core.PlatformTwitch,
		ID:       core.EventID(core.PlatformTwitch, uuid.NewString()),
		Ts:       n.now(),
		Sender:   audience,
	}, nil
}

type playbackPayload struct {
	Type    string  `json:"type"`
	Viewers int     `json:"viewers"`
	Server  float64 `json:"server_time"`
}

// Playback maps viewcount ticks; other playback signals (stream-up,
// stream-down, commercial) are dropped.
func (n *Normalizer) Playback(data []byte) (*core.Event, error) {
	var p playbackPayload
	if err := decodePayload(data, &p); err != nil {
		return nil, err
	}
	if p.Type != "viewcount" {
		dropsTotal.WithLabelValues("playback_type").Inc()
		return nil, nil
	}
	ts := n.now()
	if p.Server > 0 {
		ts = time.Unix(int64(p.Server), 0).UTC()
	}
	eventsTotal.WithLabelValues("viewers").Inc()
	return &core.Event{
		Kind:     core.KindViewersCount,
		Platform: core.PlatformTwitch,
		ID:       core.EventID(core.PlatformTwitch, uuid.NewString()),
		Ts:       ts,
		Viewers:  p.Viewers,
	}, nil
}

func (n *Normalizer) chatBadges(raw map[string]int) ([]core.Badge, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	badges := make([]core.Badge, 0, len(raw))
	for scope, version := range raw {
		b, err := n.ids.Badge(identity.BadgeSpec{
			Platform:    core.PlatformTwitch,
			Scope:       scope,
			Level:       version,
			DisplayName: scope,
		})
		if err != nil {
			return nil, errors.Wrap(err, "badge")
		}
		badges = append(badges, b)
	}
	return badges, nil
}

func roleFromBadges(badges map[string]int) core.Role {
	switch {
	case badges["broadcaster"] > 0:
		return core.RoleHost
	case badges["moderator"] > 0:
		return core.RoleChannelModerator
	case badges["global_mod"] > 0:
		return core.RolePlatformModerator
	case badges["staff"] > 0, badges["admin"] > 0:
		return core.RolePlatformStaff
	}
	return core.RoleGeneral
}

func chatEmotes(emotes []*twitch.Emote) []core.Emote {
	if len(emotes) == 0 {
		return nil
	}
	out := make([]core.Emote, 0, len(emotes))
	for _, e := range emotes {
		if e == nil || e.ID == "" {
			continue
		}
		out = append(out, core.Emote{
			ID:       e.ID,
			Platform: core.PlatformTwitch,
			Keyword:  e.Name,
			Image:    "https://static-cdn.jtvnw.net/emoticons/v2/" + e.ID + "/default/dark/3.0",
		})
	}
	return out
}

func (n *Normalizer) resolveAudience(ctx context.Context, spec identity.AudienceSpec) (*core.Audience, error) {
	audience, err := n.ids.Audience(spec)
	if err != nil {
		return nil, errors.Wrap(err, "audience")
	}
	n.ids.ScheduleEnrichment(ctx, audience)
	return &audience, nil
}

// maybeAudience resolves best-effort senders whose absence must not drop the
// event.
func (n *Normalizer) maybeAudience(ctx context.Context, spec identity.AudienceSpec) (*core.Audience, error) {
	audience, err := n.resolveAudience(ctx, spec)
	if err != nil {
		dropsTotal.WithLabelValues("audience").Inc()
		return nil, err
	}
	return audience, nil
}

func dropf(format string, args ...any) error {
	dropsTotal.WithLabelValues("missing_field").Inc()
	return connector.Normalization(errors.Errorf(format, args...))
}

func nativeID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func parseTimeOr(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC()
	}
	// some payloads carry unix seconds as a string
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return fallback
}
