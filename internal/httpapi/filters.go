package httpapi

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/you/streamfeed/internal/core"
	"github.com/you/streamfeed/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ParseFilters maps query parameters onto store filters. platform and kind
// are repeatable.
func ParseFilters(values url.Values) (store.Filters, error) {
	f := store.Filters{Limit: defaultLimit}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	switch values.Get("order") {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return store.Filters{}, errors.New("order must be asc or desc")
	}

	for _, p := range values["platform"] {
		f.Platforms = append(f.Platforms, core.Platform(p))
	}
	for _, k := range values["kind"] {
		f.Kinds = append(f.Kinds, core.Kind(k))
	}

	if raw := values.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filters{}, errors.New("since must be RFC3339")
		}
		f.Since = &t
	}

	return f, nil
}
