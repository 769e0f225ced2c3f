package datasizes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Size is a wrapper around uint64 that supports decoding human readable
// sizes ("512 MiB") from JSON, TOML and YAML.
type Size uint64

// Uint64 returns the size as uint64. This is a convenience function,
// it is strictly equivalent to uint64(Size(1)).
func (si Size) Uint64() uint64 {
	return uint64(si)
}

// Int64 returns the size as int64, as used by io offsets.
func (si Size) Int64() int64 {
	return int64(si)
}

func decodeSize(v interface{}) (Size, error) {
	switch t := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return 0, err
		}
		return intToSize(i)
	case int64:
		return intToSize(t)
	case int:
		return intToSize(int64(t))
	case float64:
		return 0, errors.New("cannot be float")
	case string:
		s, err := Parse(t)
		if err != nil {
			return 0, err
		}
		return Size(s), nil
	default:
		return 0, fmt.Errorf("failed to convert value \"%v\" to number", v)
	}
}

func intToSize(i int64) (Size, error) {
	if i < 0 {
		return 0, fmt.Errorf("cannot be negative: %d", i)
	}
	return Size(i), nil
}

func (si *Size) UnmarshalTOML(data interface{}) error {
	sz, err := decodeSize(data)
	if err != nil {
		return fmt.Errorf("error decoding TOML size: %w", err)
	}
	*si = sz
	return nil
}

func (si *Size) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("error decoding size: %w", err)
	}
	sz, err := decodeSize(v)
	if err != nil {
		return fmt.Errorf("error decoding size: %w", err)
	}
	*si = sz
	return nil
}

func (si *Size) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("error decoding YAML size: %w", err)
	}
	sz, err := decodeSize(v)
	if err != nil {
		return fmt.Errorf("error decoding YAML size: %w", err)
	}
	*si = sz
	return nil
}
