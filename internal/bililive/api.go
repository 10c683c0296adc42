package bililive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/identity"
)

const (
	defaultLiveAPIBase  = "https://api.live.bilibili.com"
	defaultSpaceAPIBase = "https://api.bilibili.com"
)

// Client talks to the Bilibili HTTP APIs used around the push connection:
// candidate-host lookup, the gift catalog, and audience profile enrichment.
type Client struct {
	LiveBase  string
	SpaceBase string
	HTTP      *http.Client
}

func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// Candidate is one interchangeable danmaku endpoint, tried in order until
// one completes authentication.
type Candidate struct {
	Host string
	Port int
}

type danmuInfoResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
	Data struct {
		Token    string `json:"token"`
		HostList []struct {
			Host string `json:"host"`
			Port int    `json:"port"`
		} `json:"host_list"`
	} `json:"data"`
}

// ResolveCandidates fetches the room token and the ordered candidate host
// list for a room.
func (c *Client) ResolveCandidates(ctx context.Context, roomID int) (string, []Candidate, error) {
	endpoint := fmt.Sprintf("%s/xlive/web-room/v1/index/getDanmuInfo?id=%d", c.liveBase(), roomID)

	var parsed danmuInfoResponse
	if err := c.getJSON(ctx, endpoint, &parsed); err != nil {
		return "", nil, errors.Wrap(err, "danmu info")
	}
	if parsed.Code != 0 {
		return "", nil, errors.Errorf("danmu info code %d: %s", parsed.Code, parsed.Msg)
	}
	candidates := make([]Candidate, 0, len(parsed.Data.HostList))
	for _, h := range parsed.Data.HostList {
		if h.Host == "" || h.Port <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{Host: h.Host, Port: h.Port})
	}
	if len(candidates) == 0 {
		return "", nil, errors.New("danmu info returned no hosts")
	}
	return parsed.Data.Token, candidates, nil
}

type giftConfigResponse struct {
	Code int `json:"code"`
	Data struct {
		List []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
			Webp string `json:"webp"`
		} `json:"list"`
	} `json:"data"`
}

// Catalog caches the room's gift metadata (sku id to image) fetched once per
// connect. Lookups on an empty catalog are fine; gifts then go out without
// an image.
type Catalog struct {
	mu     sync.RWMutex
	images map[int]string
}

func NewCatalog() *Catalog {
	return &Catalog{images: make(map[int]string)}
}

func (g *Catalog) Image(giftID int) string {
	if g == nil {
		return ""
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.images[giftID]
}

// Refresh loads the gift list for a room into the catalog.
func (c *Client) Refresh(ctx context.Context, g *Catalog, roomID int) error {
	endpoint := fmt.Sprintf("%s/xlive/web-room/v1/giftPanel/giftConfig?platform=pc&room_id=%d", c.liveBase(), roomID)

	var parsed giftConfigResponse
	if err := c.getJSON(ctx, endpoint, &parsed); err != nil {
		return errors.Wrap(err, "gift config")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, item := range parsed.Data.List {
		if item.ID > 0 && item.Webp != "" {
			g.images[item.ID] = item.Webp
		}
	}
	return nil
}

type spaceIndexResponse struct {
	Data struct {
		Info struct {
			Face string `json:"face"`
			Name string `json:"name"`
		} `json:"info"`
	} `json:"data"`
}

// FetchProfile implements identity.ProfileFetcher against the user space
// API.
func (c *Client) FetchProfile(ctx context.Context, userID string) (identity.Profile, error) {
	endpoint := fmt.Sprintf("%s/x/space/app/index?mid=%s", c.spaceBase(), userID)

	var parsed spaceIndexResponse
	if err := c.getJSON(ctx, endpoint, &parsed); err != nil {
		return identity.Profile{}, errors.Wrap(err, "space index")
	}
	return identity.Profile{
		Avatar:      parsed.Data.Info.Face,
		DisplayName: parsed.Data.Info.Name,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func (c *Client) liveBase() string {
	if c.LiveBase != "" {
		return strings.TrimSuffix(c.LiveBase, "/")
	}
	return defaultLiveAPIBase
}

func (c *Client) spaceBase() string {
	if c.SpaceBase != "" {
		return strings.TrimSuffix(c.SpaceBase, "/")
	}
	return defaultSpaceAPIBase
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
