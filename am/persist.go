package am

import (
	"bytes"

	"github.com/BurntSushi/toml"

	"github.com/teranos/leadpulse/errors"
)

// Render encodes the effective configuration as TOML.
// Secrets are masked so the output is safe to paste into a ticket.
func Render(cfg *Config) ([]byte, error) {
	masked := *cfg
	if masked.Lock.RedisPassword != "" {
		masked.Lock.RedisPassword = "********"
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(masked); err != nil {
		return nil, errors.Wrap(err, "failed to encode config as toml")
	}
	return buf.Bytes(), nil
}
