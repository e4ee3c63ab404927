// Copyright 2016 Aleksandr Demakin. All rights reserved.

package pqtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadEncoding(t *testing.T) {
	a := assert.New(t)
	type td struct {
		in  []byte
		out string
	}
	data := []td{
		{in: nil, out: "-"},
		{in: []byte{0}, out: "00"},
		{in: []byte{1, 0x0a, 0xff}, out: "010AFF"},
	}
	for _, d := range data {
		a.Equal(d.out, EncodePayload(d.in))
		decoded, err := DecodePayload(d.out)
		a.NoError(err)
		if len(d.in) == 0 {
			a.Len(decoded, 0)
		} else {
			a.Equal(d.in, decoded)
		}
	}
	_, err := DecodePayload("ABC")
	a.Error(err)
	_, err = DecodePayload("ZZ")
	a.Error(err)
}

func TestPatternPayload(t *testing.T) {
	a := assert.New(t)
	p := PatternPayload(300, 0x5a)
	a.Len(p, 300)
	a.Equal(byte(0x5a), p[0])
	a.Equal(byte(1^0x5a), p[1])
	a.Equal(byte(43^0x5a), p[299])
}
