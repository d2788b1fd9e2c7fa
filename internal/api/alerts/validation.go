package alerts

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/storage"
)

const (
	defaultRange   = 24 * time.Hour
	maxRange       = 90 * 24 * time.Hour
	defaultLimit   = 100
	maxLimit       = 1000
	defaultPerPage = 50
	maxPerPage     = 500
	maxDeleteIDs   = 1000
)

// ParseRange parses a window length such as "1h" or "30m". Empty uses the
// default; "0" leaves the window open at the start.
func ParseRange(s string) (time.Duration, error) {
	if s == "" {
		return defaultRange, nil
	}
	if s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("range must be a non-negative duration such as 1h")
	}
	if d > maxRange {
		return 0, fmt.Errorf("range must be at most %s", maxRange)
	}
	return d, nil
}

// ParseTime parses an RFC3339 timestamp or unix milliseconds. Empty returns
// def.
func ParseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or unix milliseconds", s)
	}
	return t.UTC(), nil
}

// ParsePriority parses a priority floor. Empty matches every priority.
func ParsePriority(s string) (models.Priority, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "low", "1", "medium", "2", "high", "3":
		return models.ParsePriority(s), nil
	default:
		return 0, errors.New("priority must be low, medium or high")
	}
}

func parseBool(q url.Values, key string) (bool, error) {
	s := q.Get(key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

// parseInt parses key as an int in [min, max]. Empty returns def.
func parseInt(q url.Values, key string, def, min, max int) (int, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", key, min, max)
	}
	return n, nil
}

// parseCursor reads the after_ctime/after_id keyset position.
func parseCursor(q url.Values) (*storage.Cursor, error) {
	ctime, id := q.Get("after_ctime"), q.Get("after_id")
	if ctime == "" && id == "" {
		return nil, nil
	}
	if ctime == "" || id == "" {
		return nil, errors.New("after_ctime and after_id must be given together")
	}
	t, err := ParseTime(ctime, time.Time{})
	if err != nil {
		return nil, err
	}
	return &storage.Cursor{CTime: t, ID: id}, nil
}

// ParseEntities parses repeated "<kind>:<id>" values.
func ParseEntities(values []string) ([]models.EntityID, error) {
	var out []models.EntityID
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			e, err := models.ParseEntityID(part)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// ValidateIDs checks a bulk delete request.
func ValidateIDs(ids []string) error {
	if len(ids) == 0 {
		return errors.New("ids is required")
	}
	if len(ids) > maxDeleteIDs {
		return fmt.Errorf("at most %d ids per request", maxDeleteIDs)
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return errors.New("ids must not contain empty values")
		}
	}
	return nil
}

// ValidateEntities validates and parses entity ids such as "1:10001".
func ValidateEntities(ids []string) ([]models.EntityID, error) {
	if len(ids) == 0 {
		return nil, errors.New("entities is required")
	}
	if len(ids) > maxDeleteIDs {
		return nil, fmt.Errorf("at most %d entities per request", maxDeleteIDs)
	}
	entities := make([]models.EntityID, 0, len(ids))
	for _, id := range ids {
		e, err := models.ParseEntityID(strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}
