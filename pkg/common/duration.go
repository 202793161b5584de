package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration reads "10s" style strings, or plain numbers of seconds, from
// config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = dur
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
