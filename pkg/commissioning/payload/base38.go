// Package payload implements the Matter onboarding payloads: the
// 11/21-digit manual pairing code and the MT:-prefixed base-38 QR
// payload (Spec 5.1).
package payload

import (
	"errors"
	"strings"
)

const base38Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-."

var (
	ErrBase38Char   = errors.New("payload: invalid base38 character")
	ErrBase38Length = errors.New("payload: invalid base38 length")
)

// base38Encode encodes bytes in 3-byte chunks of 5 characters (2-byte
// tail: 4 chars, 1-byte tail: 2 chars), least-significant character
// first.
func base38Encode(data []byte) string {
	var out strings.Builder
	for len(data) > 0 {
		n := 3
		if len(data) < 3 {
			n = len(data)
		}
		var value uint32
		for i := n - 1; i >= 0; i-- {
			value = value<<8 | uint32(data[i])
		}
		chars := 2
		switch n {
		case 2:
			chars = 4
		case 3:
			chars = 5
		}
		for i := 0; i < chars; i++ {
			out.WriteByte(base38Alphabet[value%38])
			value /= 38
		}
		data = data[n:]
	}
	return out.String()
}

func base38Value(c byte) (uint32, error) {
	idx := strings.IndexByte(base38Alphabet, c)
	if idx < 0 {
		return 0, ErrBase38Char
	}
	return uint32(idx), nil
}

// base38Decode reverses base38Encode.
func base38Decode(s string) ([]byte, error) {
	s = strings.ToUpper(s)
	var out []byte
	for len(s) > 0 {
		var chars, nbytes int
		switch {
		case len(s) >= 5:
			chars, nbytes = 5, 3
		case len(s) == 4:
			chars, nbytes = 4, 2
		case len(s) == 2:
			chars, nbytes = 2, 1
		default:
			return nil, ErrBase38Length
		}
		var value uint32
		for i := chars - 1; i >= 0; i-- {
			v, err := base38Value(s[i])
			if err != nil {
				return nil, err
			}
			value = value*38 + v
		}
		for i := 0; i < nbytes; i++ {
			out = append(out, byte(value))
			value >>= 8
		}
		s = s[chars:]
	}
	return out, nil
}
