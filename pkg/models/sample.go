package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

// Sample is one live pitch observation stamped with the playback position
// it was taken at.
type Sample struct {
	Pitch   Pitch   `json:"pitch"`
	Seconds float64 `json:"seconds"`
}

// SampleLog is an ordered list of samples. It serializes as
// [[pitch, seconds], ...] with 0 standing for silence, which is the
// performance-data format the persistence API stores.
type SampleLog []Sample

// MarshalJSON implements json.Marshaler.
func (l SampleLog) MarshalJSON() ([]byte, error) {
	pairs := make([][2]float64, len(l))
	for i, s := range l {
		p := float64(s.Pitch)
		if s.Pitch.IsSilence() {
			p = 0
		}
		pairs[i] = [2]float64{p, s.Seconds}
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *SampleLog) UnmarshalJSON(data []byte) error {
	var pairs [][2]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	out := make(SampleLog, len(pairs))
	for i, pair := range pairs {
		p := Pitch(pair[0])
		if pair[0] <= 0 {
			p = Silence
		}
		out[i] = Sample{Pitch: p, Seconds: pair[1]}
	}
	*l = out
	return nil
}

// Encode returns the serialized form used in persistence payloads.
func (l SampleLog) Encode() (string, error) {
	if l == nil {
		l = SampleLog{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("encode samples: %w", err)
	}
	return string(data), nil
}

// Value implements driver.Valuer so a SampleLog can be stored in a text column.
func (l SampleLog) Value() (driver.Value, error) {
	return l.Encode()
}

// Scan implements sql.Scanner.
func (l *SampleLog) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = SampleLog{}
		return nil
	case string:
		return l.UnmarshalJSON([]byte(v))
	case []byte:
		return l.UnmarshalJSON(v)
	default:
		return fmt.Errorf("scan SampleLog: unsupported type %T", value)
	}
}

// Clone returns an independent copy of the log.
func (l SampleLog) Clone() SampleLog {
	if l == nil {
		return SampleLog{}
	}
	out := make(SampleLog, len(l))
	copy(out, l)
	return out
}
