package bililive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/connector"
	"github.com/you/streamfeed/internal/core"
	"github.com/you/streamfeed/internal/identity"
)

// minorUnitScale converts platform-native integer prices (thousandths of a
// yuan) to decimal CNY.
const (
	minorUnitScale = 1000
	currencyCNY    = "CNY"
)

// Guard (membership) tiers. Level 1 is the most expensive one.
var (
	guardAmounts = map[int]float64{1: 19998, 2: 1998, 3: 198}
	guardNames   = map[int]string{1: "总督", 2: "提督", 3: "舰长"}
	guardImages  = map[int]string{
		1: "https://s1.hdslb.com/bfs/static/blive/blfe-live-room/static/img/icon-l-1.fde1190..png",
		2: "https://s1.hdslb.com/bfs/static/blive/blfe-live-room/static/img/icon-l-2.6f68d77..png",
		3: "https://s1.hdslb.com/bfs/static/blive/blfe-live-room/static/img/icon-l-3.402ac8f..png",
	}
)

// Identity is the slice of the identity cache the normalizer needs. Keeping
// it an interface lets tests observe resolution without a real store.
type Identity interface {
	Audience(spec identity.AudienceSpec) (core.Audience, error)
	Badge(spec identity.BadgeSpec) (core.Badge, error)
	Sku(spec identity.SkuSpec) (core.Sku, error)
	ScheduleEnrichment(ctx context.Context, a core.Audience)
}

// Normalizer maps raw Bilibili command payloads to canonical events. It
// never blocks and performs no I/O; enrichment is delegated to the identity
// cache.
type Normalizer struct {
	roomID int
	ids    Identity
	gifts  *Catalog
	now    func() time.Time
}

func NewNormalizer(roomID int, ids Identity, gifts *Catalog) *Normalizer {
	return &Normalizer{roomID: roomID, ids: ids, gifts: gifts, now: time.Now}
}

// Normalize parses one accepted frame body and returns the canonical event,
// or nil for commands this pipeline does not recognize.
func (n *Normalizer) Normalize(ctx context.Context, body []byte) (*core.Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, connector.Normalization(errors.Wrap(err, "parse command"))
	}

	cmd, _ := payload["cmd"].(string)
	commandsTotal.WithLabelValues(baseCommand(cmd)).Inc()

	switch {
	case cmd == "DANMU_MSG" || hasPrefix(cmd, "DANMU_MSG"):
		return n.onMessage(ctx, payload)
	case cmd == "SUPER_CHAT_MESSAGE" || cmd == "SUPER_CHAT_MESSAGE_JP":
		return n.onSuperChat(ctx, payload)
	case cmd == "SEND_GIFT":
		return n.onGift(ctx, payload)
	case cmd == "GUARD_BUY":
		return n.onMembership(ctx, payload)
	case cmd == "WATCHED_CHANGE":
		return n.onViewersCount(payload)
	case cmd == "INTERACT_WORD":
		return n.onInteract(ctx, payload)
	}
	dropsTotal.WithLabelValues("unrecognized").Inc()
	return nil, nil
}

// onMessage handles DANMU_MSG. The payload is positional: info[0] carries
// metadata (emotes under [15].extra), info[1] the text, info[2] the user
// tuple, info[3] the fan medal tuple.
func (n *Normalizer) onMessage(ctx context.Context, payload map[string]any) (*core.Event, error) {
	info, ok := payload["info"].([]any)
	if !ok || len(info) < 3 {
		return nil, dropf("danmu info missing")
	}
	content, ok := index(info, 1).(string)
	if !ok {
		return nil, dropf("danmu content missing")
	}
	user, ok := index(info, 2).([]any)
	if !ok || len(user) < 2 {
		return nil, dropf("danmu user missing")
	}
	uid := asID(index(user, 0))
	if uid == "" {
		return nil, dropf("danmu uid missing")
	}
	username := asString(index(user, 1))

	var badges []core.Badge
	if medal, ok := index(info, 3).([]any); ok && len(medal) >= 2 {
		badge, err := n.ids.Badge(identity.BadgeSpec{
			Platform:    core.PlatformBilibili,
			Scope:       strconv.Itoa(n.roomID),
			Level:       asInt(index(medal, 0)),
			DisplayName: asString(index(medal, 1)),
		})
		if err != nil {
			return nil, errors.Wrap(err, "badge")
		}
		badges = []core.Badge{badge}
	}

	role := core.RoleGeneral
	if asInt(index(user, 2)) == 1 {
		role = core.RoleChannelModerator
	}
	isMember := asInt(index(user, 3)) == 1

	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformBilibili,
		UserID:      uid,
		Username:    username,
		DisplayName: username,
		Badges:      badges,
		IsMember:    &isMember,
		Role:        &role,
	})
	if err != nil {
		return nil, err
	}

	ev := &core.Event{
		Kind:     core.KindMessage,
		Platform: core.PlatformBilibili,
		ID:       core.EventID(core.PlatformBilibili, uuid.NewString()),
		Ts:       n.now(),
		Sender:   audience,
		Content:  content,
		Emotes:   extractEmotes(info),
	}
	return ev, nil
}

// extractEmotes digs the emote map out of info[0][15].extra, a JSON string
// embedded in the payload. Absence is normal.
func extractEmotes(info []any) []core.Emote {
	meta, ok := index(info, 0).([]any)
	if !ok {
		return nil
	}
	extraHolder, ok := index(meta, 15).(map[string]any)
	if !ok {
		return nil
	}
	extraRaw, ok := extraHolder["extra"].(string)
	if !ok || extraRaw == "" {
		return nil
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(extraRaw), &extra); err != nil {
		return nil
	}
	emots, ok := extra["emots"].(map[string]any)
	if !ok {
		return nil
	}
	var out []core.Emote
	for _, v := range emots {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		keyword := asString(m["emoji"])
		image := asString(m["url"])
		if keyword == "" || image == "" {
			continue
		}
		out = append(out, core.Emote{
			ID:       asString(m["emoticon_unique"]),
			Platform: core.PlatformBilibili,
			Keyword:  keyword,
			Image:    image,
		})
	}
	return out
}

func (n *Normalizer) onSuperChat(ctx context.Context, payload map[string]any) (*core.Event, error) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, dropf("super chat data missing")
	}
	uid := asID(data["uid"])
	if uid == "" {
		return nil, dropf("super chat uid missing")
	}
	message := asString(data["message"])
	if message == "" {
		return nil, dropf("super chat message missing")
	}
	username := ""
	if userInfo, ok := data["user_info"].(map[string]any); ok {
		username = asString(userInfo["uname"])
	}

	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformBilibili,
		UserID:      uid,
		Username:    username,
		DisplayName: username,
	})
	if err != nil {
		return nil, err
	}

	sku, err := n.ids.Sku(identity.SkuSpec{
		Platform:    core.PlatformBilibili,
		Key:         "super-chat",
		Amount:      asFloat(data["price"]) / minorUnitScale,
		Currency:    currencyCNY,
		DisplayName: "Super Chat",
	})
	if err != nil {
		return nil, errors.Wrap(err, "sku")
	}

	keepSecs := asInt(data["time"])
	if keepSecs <= 0 {
		keepSecs = 30
	}
	now := n.now()
	ev := &core.Event{
		Kind:     core.KindSuperChat,
		Platform: core.PlatformBilibili,
		ID:       core.EventID(core.PlatformBilibili, nativeOrGenerated(data["id"])),
		Ts:       now,
		Sender:   audience,
		Content:  message,
		Sku:      &sku,
		Count:    1,
		Start:    now,
		End:      now.Add(time.Duration(keepSecs) * time.Second),
	}
	return ev, nil
}

func (n *Normalizer) onGift(ctx context.Context, payload map[string]any) (*core.Event, error) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, dropf("gift data missing")
	}
	uid := asID(data["uid"])
	if uid == "" {
		return nil, dropf("gift uid missing")
	}
	giftName := asString(data["giftName"])
	if giftName == "" {
		return nil, dropf("gift name missing")
	}
	username := asString(data["uname"])

	var badges []core.Badge
	if medal, ok := data["medal_info"].(map[string]any); ok && asInt(medal["medal_level"]) > 0 {
		badge, err := n.ids.Badge(identity.BadgeSpec{
			Platform:    core.PlatformBilibili,
			Scope:       strconv.Itoa(n.roomID),
			Level:       asInt(medal["medal_level"]),
			DisplayName: asString(medal["medal_name"]),
		})
		if err != nil {
			return nil, errors.Wrap(err, "badge")
		}
		badges = []core.Badge{badge}
	}

	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformBilibili,
		UserID:      uid,
		Username:    username,
		DisplayName: username,
		Avatar:      asString(data["face"]),
		Badges:      badges,
	})
	if err != nil {
		return nil, err
	}

	giftID := asInt(data["giftId"])
	sku, err := n.ids.Sku(identity.SkuSpec{
		Platform:    core.PlatformBilibili,
		Key:         strconv.Itoa(giftID),
		Amount:      asFloat(data["price"]) / minorUnitScale,
		Currency:    currencyCNY,
		DisplayName: giftName,
		Image:       n.gifts.Image(giftID),
	})
	if err != nil {
		return nil, errors.Wrap(err, "sku")
	}

	ts := n.now()
	if secs := asInt(data["timestamp"]); secs > 0 {
		ts = time.Unix(int64(secs), 0).UTC()
	}
	count := asInt(data["num"])
	if count <= 0 {
		count = 1
	}
	ev := &core.Event{
		Kind:     core.KindGift,
		Platform: core.PlatformBilibili,
		ID:       core.EventID(core.PlatformBilibili, nativeOrGenerated(data["tid"])),
		Ts:       ts,
		Sender:   audience,
		Sku:      &sku,
		Count:    count,
	}
	return ev, nil
}

func (n *Normalizer) onMembership(ctx context.Context, payload map[string]any) (*core.Event, error) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, dropf("membership data missing")
	}
	uid := asID(data["uid"])
	if uid == "" {
		return nil, dropf("membership uid missing")
	}
	username := asString(data["uname"])

	isMember := true
	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformBilibili,
		UserID:      uid,
		Username:    username,
		DisplayName: username,
		IsMember:    &isMember,
	})
	if err != nil {
		return nil, err
	}

	level := asInt(data["guard_level"])
	if level <= 0 {
		level = 1
	}
	sku, err := n.ids.Sku(identity.SkuSpec{
		Platform:    core.PlatformBilibili,
		Key:         fmt.Sprintf("membership.%d", level),
		Tier:        level,
		Amount:      guardAmounts[level],
		Currency:    currencyCNY,
		DisplayName: guardNames[level],
		Image:       guardImages[level],
	})
	if err != nil {
		return nil, errors.Wrap(err, "sku")
	}

	count := asInt(data["num"])
	if count <= 0 {
		count = 1
	}
	now := n.now()
	ev := &core.Event{
		Kind:     core.KindMembership,
		Platform: core.PlatformBilibili,
		ID:       core.EventID(core.PlatformBilibili, uuid.NewString()),
		Ts:       now,
		Sender:   audience,
		Sku:      &sku,
		Count:    count,
		Start:    now,
		End:      now.AddDate(0, count, 0),
	}
	return ev, nil
}

func (n *Normalizer) onViewersCount(payload map[string]any) (*core.Event, error) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, dropf("watched change data missing")
	}
	ev := &core.Event{
		Kind:     core.KindViewersCount,
		Platform: core.PlatformBilibili,
		ID:       core.EventID(core.PlatformBilibili, uuid.NewString()),
		Ts:       n.now(),
		Viewers:  asInt(data["num"]),
	}
	return ev, nil
}

// onInteract handles INTERACT_WORD: msg_type 1 is a room enter, 2 a follow.
func (n *Normalizer) onInteract(ctx context.Context, payload map[string]any) (*core.Event, error) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, dropf("interact data missing")
	}
	uid := asID(data["uid"])
	if uid == "" {
		return nil, dropf("interact uid missing")
	}
	username := asString(data["uname"])

	var badges []core.Badge
	if medal, ok := data["fans_medal"].(map[string]any); ok && asInt(medal["medal_level"]) > 0 {
		badge, err := n.ids.Badge(identity.BadgeSpec{
			Platform:    core.PlatformBilibili,
			Scope:       strconv.Itoa(n.roomID),
			Level:       asInt(medal["medal_level"]),
			DisplayName: asString(medal["medal_name"]),
		})
		if err != nil {
			return nil, errors.Wrap(err, "badge")
		}
		badges = []core.Badge{badge}
	}

	role := core.RoleGeneral
	if asInt(data["isadmin"]) == 1 {
		role = core.RoleChannelModerator
	}
	audience, err := n.resolveAudience(ctx, identity.AudienceSpec{
		Platform:    core.PlatformBilibili,
		UserID:      uid,
		Username:    username,
		DisplayName: username,
		Badges:      badges,
		Role:        &role,
	})
	if err != nil {
		return nil, err
	}

	var kind core.Kind
	switch asInt(data["msg_type"]) {
	case 1:
		kind = core.KindEnter
	case 2:
		kind = core.KindFollow
	default:
		dropsTotal.WithLabelValues("interact_type").Inc()
		return nil, nil
	}

	ev := &core.Event{
		Kind:     kind,
		Platform: core.PlatformBilibili,
		ID:       core.EventID(core.PlatformBilibili, uuid.NewString()),
		Ts:       n.now(),
		Sender:   audience,
	}
	return ev, nil
}

func (n *Normalizer) resolveAudience(ctx context.Context, spec identity.AudienceSpec) (*core.Audience, error) {
	audience, err := n.ids.Audience(spec)
	if err != nil {
		return nil, errors.Wrap(err, "audience")
	}
	n.ids.ScheduleEnrichment(ctx, audience)
	return &audience, nil
}

func dropf(format string, args ...any) error {
	dropsTotal.WithLabelValues("missing_field").Inc()
	return connector.Normalization(errors.Errorf(format, args...))
}

func baseCommand(cmd string) string {
	if hasPrefix(cmd, "DANMU_MSG") {
		return "DANMU_MSG"
	}
	if cmd == "" {
		return "none"
	}
	return cmd
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func index(arr []any, i int) any {
	if i < 0 || i >= len(arr) {
		return nil
	}
	return arr[i]
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asID accepts the numeric and string spellings Bilibili uses for user and
// transaction ids.
func asID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	}
	return ""
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

func nativeOrGenerated(v any) string {
	if id := asID(v); id != "" {
		return id
	}
	return uuid.NewString()
}
