package engine

import (
	"fmt"
	"strconv"
	"time"
)

func itoa(n int) string   { return strconv.Itoa(n) }
func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

func parseInt(s string) (int, error) { return strconv.Atoi(s) }

func parseRFC3339(s string) (time.Time, error) {
	if t, err := time.Parse(rfc3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ttlEpoch resolves a TTL source-field value to a Unix epoch second. It
// accepts time.Time (the common case) or an already-numeric epoch.
func ttlEpoch(v interface{}) (int64, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Unix(), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("ttl field value has unsupported type %T", v)
	}
}
