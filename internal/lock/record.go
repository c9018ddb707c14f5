package lock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kanban/api/internal/expiry"
)

const recordSchema = 2

var ErrInvalidRecord = errors.New("invalid lock record")

// Record is one persisted file lock.
type Record struct {
	Owner      string
	AcquiredAt time.Time
	TTL        time.Duration
	PID        int
	Host       string
	Schema     int
}

func (r Record) ExpiresAt() time.Time {
	return expiry.ExpiresAt(r.AcquiredAt, r.TTL)
}

func (r Record) Expired(now time.Time) bool {
	return expiry.IsExpired(r.AcquiredAt, r.TTL, now)
}

type recordJSON struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
	PID        int       `json:"pid,omitempty"`
	Host       string    `json:"host,omitempty"`
	Schema     int       `json:"schema"`
}

func encodeRecord(r Record) ([]byte, error) {
	payload, err := json.Marshal(recordJSON{
		Owner:      r.Owner,
		AcquiredAt: r.AcquiredAt.UTC(),
		TTLSeconds: r.TTL.Seconds(),
		PID:        r.PID,
		Host:       r.Host,
		Schema:     recordSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}
	return append(payload, '\n'), nil
}

// recordDecoder returns handled=false when data is not in its format so the
// next decoder in the chain gets a turn.
type recordDecoder func(data []byte, defaultTTL time.Duration) (rec Record, handled bool, err error)

var recordDecoders = []recordDecoder{decodeCurrentRecord, decodeLegacyRecord}

// decodeRecord parses a lock file. Records without a usable TTL of their
// own get defaultTTL, so every decoded record expires.
func decodeRecord(data []byte, defaultTTL time.Duration) (Record, error) {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty", ErrInvalidRecord)
	}
	for _, decode := range recordDecoders {
		rec, handled, err := decode(data, defaultTTL)
		if !handled {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w: unrecognized format", ErrInvalidRecord)
}

func decodeCurrentRecord(data []byte, defaultTTL time.Duration) (Record, bool, error) {
	if data[0] != '{' {
		return Record{}, false, nil
	}
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, true, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if raw.Schema != recordSchema {
		return Record{}, true, fmt.Errorf("%w: unsupported schema %d", ErrInvalidRecord, raw.Schema)
	}
	if raw.Owner == "" || raw.AcquiredAt.IsZero() {
		return Record{}, true, fmt.Errorf("%w: missing owner or timestamp", ErrInvalidRecord)
	}
	ttl := time.Duration(raw.TTLSeconds * float64(time.Second))
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return Record{
		Owner:      raw.Owner,
		AcquiredAt: raw.AcquiredAt,
		TTL:        ttl,
		PID:        raw.PID,
		Host:       raw.Host,
		Schema:     raw.Schema,
	}, true, nil
}

// decodeLegacyRecord reads "owner|unixSeconds". Those records carry no TTL
// of their own and take the configured one.
func decodeLegacyRecord(data []byte, defaultTTL time.Duration) (Record, bool, error) {
	text := string(data)
	idx := strings.LastIndexByte(text, '|')
	if idx < 0 {
		return Record{}, false, nil
	}
	owner, stamp := text[:idx], text[idx+1:]
	if owner == "" {
		return Record{}, true, fmt.Errorf("%w: legacy record without owner", ErrInvalidRecord)
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(stamp), 10, 64)
	if err != nil {
		return Record{}, true, fmt.Errorf("%w: legacy timestamp %q", ErrInvalidRecord, stamp)
	}
	return Record{
		Owner:      owner,
		AcquiredAt: time.Unix(seconds, 0).UTC(),
		TTL:        defaultTTL,
		Schema:     1,
	}, true, nil
}
