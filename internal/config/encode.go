package config

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Encode renders c as the YAML that Load reads back. Durations are written
// as strings such as "10s".
func (c *Config) Encode() ([]byte, error) {
	var m map[string]any
	if err := mapstructure.Decode(c, &m); err != nil {
		return nil, err
	}
	stringifyDurations(m)
	return yaml.Marshal(m)
}

func stringifyDurations(m map[string]any) {
	for k, v := range m {
		switch v := v.(type) {
		case time.Duration:
			m[k] = v.String()
		case map[string]any:
			stringifyDurations(v)
		}
	}
}
