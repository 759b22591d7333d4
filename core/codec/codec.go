// Package codec holds the payload encodings handlers can answer with.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"google.golang.org/protobuf/proto"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Codec encodes and decodes message payloads
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
	ContentType() string
}

var (
	JSON     Codec = jsonCodec{}
	Protobuf Codec = protobufCodec{}
)

// ByContentType returns the codec registered for a media type.
func ByContentType(contentType string) (Codec, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, contentType)
	}
	switch mt {
	case "application/json":
		return JSON, nil
	case "application/x-protobuf", "application/protobuf":
		return Protobuf, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, mt)
	}
}

// Negotiate picks a codec from an Accept header. Protobuf is chosen only
// when the client names it and v is a proto.Message; JSON is the fallback.
func Negotiate(accept string, v any) Codec {
	if _, ok := v.(proto.Message); ok {
		for _, part := range strings.Split(accept, ",") {
			mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if c, err := ByContentType(mt); err == nil && c == Protobuf {
				return Protobuf
			}
		}
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

type protobufCodec struct{}

func (protobufCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return proto.Marshal(msg)
}

func (protobufCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (protobufCodec) Name() string { return "protobuf" }
func (protobufCodec) ContentType() string { return "application/x-protobuf" }
