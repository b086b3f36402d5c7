package store

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// statisticsKey is the metadata key the cached archive summary lives under.
const statisticsKey = "cached_statistics"

// metadataStore is the slice of Store both backends share for the statistics
// cache.
type metadataStore interface {
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

func cacheStatistics(ctx context.Context, s metadataStore, stats *Statistics) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.SetMetadata(ctx, statisticsKey, string(b))
}

func cachedStatistics(ctx context.Context, s metadataStore) (*Statistics, error) {
	v, err := s.GetMetadata(ctx, statisticsKey)
	if err != nil {
		return nil, err
	}
	if v == "" {
		return nil, ErrNotFound
	}
	var stats Statistics
	if err := json.Unmarshal([]byte(v), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// encodeChatIDs serializes a scope list for storage. nil (unrestricted) maps
// to NULL; an empty slice stays "[]" so the nothing-visible case survives a
// round trip.
func encodeChatIDs(ids []int64) *string {
	if ids == nil {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	s := "[" + strings.Join(parts, ",") + "]"
	return &s
}

func decodeChatIDs(s *string) ([]int64, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(*s), &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// roundMB converts bytes to megabytes rounded to two decimals, matching what
// the front end renders.
func roundMB(bytes int64) float64 {
	return math.Round(float64(bytes)/1024/1024*100) / 100
}
