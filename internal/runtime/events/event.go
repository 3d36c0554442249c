// Package events holds the GameEvent record relayed from the HTTP edge to the
// document store, plus its validation and partition-key rules.
package events

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
)

// KeyPrefix is prepended to the play id to build the partition key.
const KeyPrefix = "event-key-"

// legacyTimestampLayout is the layout older submitters send ("2024-09-08 13:00:00").
const legacyTimestampLayout = "2006-01-02 15:04:05"

// GameEvent is a single sporting-event notification.
type GameEvent struct {
	GameID    NumericID  `json:"game_id" validate:"gt=0"`
	PlayID    *string    `json:"play_id"`
	EventType string     `json:"event_type" validate:"required,notblank"`
	Event     string     `json:"event" validate:"required,notblank"`
	Timestamp *Timestamp `json:"timestamp"`
	PlayerID  NumericID  `json:"player_id" validate:"gt=0"`
}

// PartitionKey returns the broker key for the event. Events of the same play
// share a key and therefore a partition. A missing play id yields the bare
// prefix.
func (e GameEvent) PartitionKey() string {
	if e.PlayID == nil {
		return KeyPrefix
	}
	return KeyPrefix + *e.PlayID
}

// WithDefaults returns a copy with Timestamp set to now when it is missing.
func (e GameEvent) WithDefaults(now time.Time) GameEvent {
	if e.Timestamp == nil {
		ts := Timestamp{Time: now.UTC()}
		e.Timestamp = &ts
	}
	return e
}

// Validate checks the event against its field rules.
func (e GameEvent) Validate() error {
	if err := getValidator().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", jsonFieldName(fe.StructField()), fe.Tag()))
			}
			return fmt.Errorf("invalid game event: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid game event: %w", err)
	}
	return nil
}

// Decode parses and validates a serialized GameEvent.
func Decode(data []byte) (GameEvent, error) {
	var event GameEvent
	if len(bytes.TrimSpace(data)) == 0 {
		return event, errors.New("empty payload")
	}
	if !jsoncodec.Valid(data) {
		return event, errors.New("payload is not valid JSON")
	}
	if err := jsoncodec.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("unmarshal game event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	return event, nil
}

// NumericID accepts both JSON numbers and numeric strings and always encodes
// as a number.
type NumericID int64

func (n *NumericID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("numeric id %s: %w", string(data), err)
	}
	*n = NumericID(v)
	return nil
}

func (n NumericID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(n), 10)), nil
}

// Timestamp is an event time. It decodes RFC 3339 and the legacy
// "YYYY-MM-DD HH:MM:SS" layout (read as UTC) and always encodes RFC 3339.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse(legacyTimestampLayout, raw)
	if err != nil {
		return fmt.Errorf("timestamp %q: expected RFC 3339 or %q", raw, legacyTimestampLayout)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

func jsonFieldName(structField string) string {
	switch structField {
	case "GameID":
		return "game_id"
	case "PlayerID":
		return "player_id"
	case "EventType":
		return "event_type"
	case "Event":
		return "event"
	default:
		return structField
	}
}
