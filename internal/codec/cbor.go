// Package codec is the CBOR encoding used between the launcher and its
// sandbox helper: the launch payload and the setup reports.
//
// Encoding uses Core Deterministic settings so identical values always
// produce identical bytes.
package codec

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads come from our own binary; anything else is malformed.
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type Encoder = cbor.Encoder

type Decoder = cbor.Decoder

func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// EncodeEnv marshals v and wraps it in standard base64 so it can travel in
// an environment variable.
func EncodeEnv(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeEnv reverses EncodeEnv.
func DecodeEnv(encoded string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if err := Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal cbor: %w", err)
	}
	return nil
}
