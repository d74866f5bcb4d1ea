package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

type payload struct {
	Path string   `cbor:"path"`
	Args []string `cbor:"args"`
}

func TestEncodeEnvRoundTrip(t *testing.T) {
	in := payload{Path: "/bin/true", Args: []string{"/bin/true", "-x"}}

	encoded, err := EncodeEnv(in)
	if err != nil {
		t.Fatalf("EncodeEnv: %v", err)
	}

	var out payload
	if err := DecodeEnv(encoded, &out); err != nil {
		t.Fatalf("DecodeEnv: %v", err)
	}
	if out.Path != in.Path || len(out.Args) != 2 || out.Args[1] != "-x" {
		t.Fatalf("round trip mismatch: %#v", out)
	}
}

func TestDecodeEnvRejectsGarbage(t *testing.T) {
	var out payload
	if err := DecodeEnv("%%%not-base64", &out); err == nil {
		t.Fatal("expected base64 error")
	}

	raw, err := Marshal(map[string]string{"path": "/bin/true", "extra": "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := Unmarshal(raw, &out); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	a, _ := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	b, _ := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	if !bytes.Equal(a, b) {
		t.Fatalf("encodings differ: %x vs %x", a, b)
	}
}

func TestStreamEndsWithEOF(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, p := range []payload{{Path: "a"}, {Path: "b"}} {
		if err := enc.Encode(p); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	var got []string
	for {
		var p payload
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, p.Path)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("decoded %v", got)
	}
}
