package config

import (
	"encoding"
	"time"
)

var _ encoding.TextUnmarshaler = (*Duration)(nil)
var _ encoding.TextMarshaler = Duration(0)

// Duration decodes Go duration strings ("250ms", "5s") from TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
