package codec

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestJSONCodec(t *testing.T) {
	type TestStruct struct {
		Name  string
		Value int
	}

	original := &TestStruct{Name: "test", Value: 42}

	data, err := JSON.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	decoded := &TestStruct{}
	if err := JSON.Decode(data, decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if decoded.Name != original.Name || decoded.Value != original.Value {
		t.Errorf("Mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestProtobufCodec(t *testing.T) {
	original := wrapperspb.Int32(42)

	data, err := Protobuf.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	decoded := &wrapperspb.Int32Value{}
	if err := Protobuf.Decode(data, decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if decoded.Value != original.Value {
		t.Errorf("Mismatch: got %d, want %d", decoded.Value, original.Value)
	}
}

func TestProtobufCodecInvalidType(t *testing.T) {
	if _, err := Protobuf.Encode("not a proto message"); err == nil {
		t.Error("Expected error for non-proto message")
	}
}

func TestByContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        Codec
	}{
		{"application/json", JSON},
		{"application/json; charset=utf-8", JSON},
		{"application/x-protobuf", Protobuf},
		{"application/protobuf", Protobuf},
	}
	for _, tt := range tests {
		got, err := ByContentType(tt.contentType)
		if err != nil || got != tt.want {
			t.Errorf("%s: expected %s, got %v (err=%v)", tt.contentType, tt.want.Name(), got, err)
		}
	}

	if _, err := ByContentType("text/html"); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestNegotiate(t *testing.T) {
	msg := wrapperspb.String("hi")

	if c := Negotiate("application/x-protobuf", msg); c != Protobuf {
		t.Errorf("Expected protobuf, got %s", c.Name())
	}
	if c := Negotiate("text/html, application/protobuf;q=0.9", msg); c != Protobuf {
		t.Errorf("Expected protobuf, got %s", c.Name())
	}
	if c := Negotiate("application/x-protobuf", map[string]int{"a": 1}); c != JSON {
		t.Errorf("Non-proto values must fall back to json, got %s", c.Name())
	}
	if c := Negotiate("", msg); c != JSON {
		t.Errorf("Expected json fallback, got %s", c.Name())
	}
}

func BenchmarkJSONEncode(b *testing.B) {
	data := map[string]any{
		"name":  "benchmark",
		"value": 123,
		"items": []int{1, 2, 3, 4, 5},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = JSON.Encode(data)
	}
}

func BenchmarkProtobufEncode(b *testing.B) {
	msg := wrapperspb.String("benchmark message with some data")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Protobuf.Encode(msg)
	}
}
