// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration every keywarden
// component encodes with.
//
// CBOR carries everything that crosses a process boundary: control
// envelopes and the bytes their signatures cover, the agent and admin
// socket protocols, the agent state file, and node identity files.
// Signatures are computed over re-encoded structures, so the encoder
// must be deterministic: Core Deterministic Encoding (RFC 8949 §4.2)
// sorts map keys, uses the shortest integer forms and never emits
// indefinite-length items. The same logical value always produces the
// same bytes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Socket code uses the stream forms:
//
//	codec.NewEncoder(conn).Encode(request)
//	codec.NewDecoder(conn).Decode(&response)
//
// Wire types use `cbor:"n,keyasint"` tags where the bytes are signed or
// stored long-term, and `cbor:"name"` tags for the request/response
// maps of the socket protocols.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Identifier types implement encoding.TextMarshaler and travel as
	// text strings rather than empty maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Socket handlers peek at requests through map[string]any.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		// A repeated key in a signed structure is never legitimate.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a single CBOR data item into v. Trailing bytes are
// an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// NewEncoder returns a deterministic encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
