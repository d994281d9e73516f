package nips

import (
	"errors"
	"strings"
)

// Bech32 charset
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var (
	errBech32Short    = errors.New("bech32: too short")
	errBech32Sep      = errors.New("bech32: invalid separator position")
	errBech32Char     = errors.New("bech32: invalid character")
	errBech32Checksum = errors.New("bech32: checksum mismatch")
	errBech32Padding  = errors.New("bech32: invalid padding")
	errBech32Case     = errors.New("bech32: mixed case")
)

// bech32Decode splits a bech32 string into its HRP and 5-bit data groups,
// verifying the trailing checksum
func bech32Decode(bech string) (string, []byte, error) {
	if len(bech) < 8 {
		return "", nil, errBech32Short
	}
	if strings.ToLower(bech) != bech && strings.ToUpper(bech) != bech {
		return "", nil, errBech32Case
	}
	bech = strings.ToLower(bech)

	pos := strings.LastIndexByte(bech, '1')
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, errBech32Sep
	}

	hrp := bech[:pos]
	values := make([]byte, 0, len(bech)-pos-1)
	for _, c := range bech[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, errBech32Char
		}
		values = append(values, byte(idx))
	}

	if !bech32VerifyChecksum(hrp, values) {
		return "", nil, errBech32Checksum
	}

	return hrp, values[:len(values)-6], nil
}

// bech32Encode encodes 5-bit groups with the given HRP
func bech32Encode(hrp string, data []byte) string {
	combined := append(append([]byte{}, data...), bech32CreateChecksum(hrp, data)...)

	var result strings.Builder
	result.Grow(len(hrp) + 1 + len(combined))
	result.WriteString(hrp)
	result.WriteByte('1')
	for _, v := range combined {
		result.WriteByte(bech32Charset[v])
	}
	return result.String()
}

// convertBits regroups a bit stream, e.g. 8-bit bytes into 5-bit words
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := 0
	bits := uint(0)
	maxv := (1 << toBits) - 1
	ret := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)

	for _, value := range data {
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errBech32Padding
	}

	return ret, nil
}

func bech32Polymod(values []int) int {
	gen := [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []int {
	ret := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		ret = append(ret, int(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, int(c&31))
	}
	return ret
}

func bech32VerifyChecksum(hrp string, data []byte) bool {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	return bech32Polymod(values) == 1
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	values = append(values, 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(values) ^ 1
	checksum := make([]byte, 6)
	for i := range checksum {
		checksum[i] = byte((polymod >> (5 * (5 - i))) & 31)
	}
	return checksum
}
