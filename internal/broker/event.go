package broker

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"notifyhub/internal/types"
)

// DecodeEvent turns a message body into a canonical event. Two shapes are
// accepted:
//
//	{"eventType": "...", "userId": "...", "userEmail": "...", "timestamp": ..., "data": {...}}
//	{"topic": "...", "data": {"userId"|"user_id", "userEmail"|"email", "userPhone"|"phone", ...}}
//
// Only the listed fields are lifted out of data in the second shape. When no
// user id is present the email, then data.email, then data.username is used.
// A missing timestamp defaults to now.
func DecodeEvent(body []byte, now time.Time) (types.Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Event{}, malformed("body is not a JSON object", err)
	}
	if raw == nil {
		return types.Event{}, malformed("body is null", nil)
	}

	var (
		ev  types.Event
		err error
	)
	switch {
	case hasKey(raw, "eventType"):
		ev, err = decodeCanonical(raw)
	case hasKey(raw, "topic"):
		ev, err = decodeTopic(raw)
	default:
		return types.Event{}, malformed("body has neither eventType nor topic", nil)
	}
	if err != nil {
		return types.Event{}, err
	}

	if ev.EventType == "" {
		return types.Event{}, malformed("event type is empty", nil)
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	if ev.UserID == "" {
		ev.UserID = firstNonEmpty(ev.UserEmail, scalarString(ev.Data["email"]), scalarString(ev.Data["username"]))
	}
	if ev.UserID == "" {
		return types.Event{}, malformed("event has no user identifier", nil)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	return ev, nil
}

func decodeCanonical(raw map[string]any) (types.Event, error) {
	data, err := objectField(raw, "data")
	if err != nil {
		return types.Event{}, err
	}
	ts, err := parseTimestamp(raw["timestamp"])
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		EventType: types.EventType(scalarString(raw["eventType"])),
		UserID:    scalarString(raw["userId"]),
		UserEmail: scalarString(raw["userEmail"]),
		UserPhone: scalarString(raw["userPhone"]),
		Timestamp: ts,
		Data:      data,
	}, nil
}

func decodeTopic(raw map[string]any) (types.Event, error) {
	data, err := objectField(raw, "data")
	if err != nil {
		return types.Event{}, err
	}
	tsValue := raw["timestamp"]
	if tsValue == nil && data != nil {
		tsValue = data["timestamp"]
	}
	ts, err := parseTimestamp(tsValue)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		EventType: types.EventType(scalarString(raw["topic"])),
		UserID:    firstNonEmpty(scalarString(data["userId"]), scalarString(data["user_id"])),
		UserEmail: firstNonEmpty(scalarString(data["userEmail"]), scalarString(data["email"])),
		UserPhone: firstNonEmpty(scalarString(data["userPhone"]), scalarString(data["phone"])),
		Timestamp: ts,
		Data:      data,
	}, nil
}

// parseTimestamp accepts RFC 3339 strings, numeric strings and numbers as
// epoch milliseconds. nil yields the zero time.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, malformed("timestamp is not finite", nil)
		}
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, malformed(fmt.Sprintf("unparseable timestamp %q", t), nil)
	default:
		return time.Time{}, malformed(fmt.Sprintf("timestamp has unsupported type %T", v), nil)
	}
}

func objectField(raw map[string]any, key string) (map[string]any, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, malformed(fmt.Sprintf("%s must be an object", key), nil)
	}
	return m, nil
}

// scalarString renders strings and numbers; anything else is "".
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func malformed(msg string, err error) error {
	return types.NewAppError(types.ErrCodeMalformedEvent, msg, err)
}
