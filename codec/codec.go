// Package codec defines the pluggable serialization pair applied to segment
// content before it reaches the storage table.
package codec

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/segstore/errs"
)

// Mode reports whether segment content is persisted as text or binary.
type Mode int

const (
	// ModeText stores serialized content in a text column.
	ModeText Mode = iota
	// ModeBinary stores serialized content in a binary column.
	ModeBinary
)

// String returns a human-readable label for the mode.
func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeBinary:
		return "binary"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Pair carries the injected serialize/deserialize functions. Exactly one
// variant, text or binary, must be populated; Resolve enforces this.
type Pair struct {
	TextSerialize     func(value any) (string, error)
	TextDeserialize   func(stored string) (any, error)
	BinarySerialize   func(value any) ([]byte, error)
	BinaryDeserialize func(stored []byte) (any, error)
}

// Codec is a resolved, validated serialization pair.
type Codec struct {
	mode Mode
	pair Pair
}

// Resolve validates the pair and produces a Codec. Supplying both variants,
// neither variant, or half of a variant is a configuration error.
func Resolve(p Pair) (*Codec, error) {
	textSet := p.TextSerialize != nil || p.TextDeserialize != nil
	binarySet := p.BinarySerialize != nil || p.BinaryDeserialize != nil

	switch {
	case textSet && binarySet:
		return nil, errs.New("codec", errs.CodeInvalidConfig,
			errs.WithMessage("text and binary codecs are mutually exclusive"))
	case !textSet && !binarySet:
		return nil, errs.New("codec", errs.CodeInvalidConfig,
			errs.WithMessage("either a text or a binary codec pair is required"))
	case textSet:
		if p.TextSerialize == nil || p.TextDeserialize == nil {
			return nil, errs.New("codec", errs.CodeInvalidConfig,
				errs.WithMessage("text codec requires both serialize and deserialize"))
		}
		return &Codec{mode: ModeText, pair: p}, nil
	default:
		if p.BinarySerialize == nil || p.BinaryDeserialize == nil {
			return nil, errs.New("codec", errs.CodeInvalidConfig,
				errs.WithMessage("binary codec requires both serialize and deserialize"))
		}
		return &Codec{mode: ModeBinary, pair: p}, nil
	}
}

// JSON returns a text codec pair backed by JSON encoding. It suits hosts whose
// segment values are plain Go data (maps, slices, numbers, strings).
func JSON() Pair {
	return Pair{
		TextSerialize: func(value any) (string, error) {
			raw, err := json.Marshal(value)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		},
		TextDeserialize: func(stored string) (any, error) {
			var value any
			if err := json.Unmarshal([]byte(stored), &value); err != nil {
				return nil, err
			}
			return value, nil
		},
	}
}

// RawBinary returns a binary codec pair that passes byte slices through
// untouched. Serializing any other value type fails.
func RawBinary() Pair {
	return Pair{
		BinarySerialize: func(value any) ([]byte, error) {
			raw, ok := value.([]byte)
			if !ok {
				return nil, fmt.Errorf("raw binary codec requires []byte, got %T", value)
			}
			return raw, nil
		},
		BinaryDeserialize: func(stored []byte) (any, error) {
			return stored, nil
		},
	}
}

// Mode reports the storage mode of the resolved codec.
func (c *Codec) Mode() Mode {
	return c.mode
}

// Binary reports whether content is stored in a binary column.
func (c *Codec) Binary() bool {
	return c.mode == ModeBinary
}

// Encode serializes value into its stored form: string in text mode, []byte
// in binary mode. The returned value binds directly as a statement parameter.
func (c *Codec) Encode(value any) (any, error) {
	if c.mode == ModeBinary {
		raw, err := c.pair.BinarySerialize(value)
		if err != nil {
			return nil, errs.New("codec", errs.CodeCodec,
				errs.WithMessage("binary serialize"), errs.WithCause(err))
		}
		return raw, nil
	}
	text, err := c.pair.TextSerialize(value)
	if err != nil {
		return nil, errs.New("codec", errs.CodeCodec,
			errs.WithMessage("text serialize"), errs.WithCause(err))
	}
	return text, nil
}

// DecodeText deserializes content read from a text column.
func (c *Codec) DecodeText(stored string) (any, error) {
	if c.mode != ModeText {
		return nil, errs.New("codec", errs.CodeCodec,
			errs.WithMessage("codec is binary, table content is text"))
	}
	value, err := c.pair.TextDeserialize(stored)
	if err != nil {
		return nil, errs.New("codec", errs.CodeCodec,
			errs.WithMessage("text deserialize"), errs.WithCause(err))
	}
	return value, nil
}

// DecodeBinary deserializes content read from a binary column.
func (c *Codec) DecodeBinary(stored []byte) (any, error) {
	if c.mode != ModeBinary {
		return nil, errs.New("codec", errs.CodeCodec,
			errs.WithMessage("codec is text, table content is binary"))
	}
	value, err := c.pair.BinaryDeserialize(stored)
	if err != nil {
		return nil, errs.New("codec", errs.CodeCodec,
			errs.WithMessage("binary deserialize"), errs.WithCause(err))
	}
	return value, nil
}
