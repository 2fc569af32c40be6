package payload

import "errors"

// Verhoeff check digits over the dihedral group D5; detects all
// single-digit and adjacent-transposition errors.

var (
	ErrVerhoeffDigit = errors.New("payload: invalid verhoeff digit")
	ErrVerhoeffEmpty = errors.New("payload: empty digit string")
)

var verhoeffD = [10][10]uint8{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
	{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
	{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
	{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
	{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
	{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
	{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
	{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
	{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
}

var verhoeffP = [10]uint8{1, 5, 7, 6, 2, 8, 3, 0, 9, 4}

var verhoeffInv = [10]uint8{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}

func verhoeffPermute(v uint8, times int) uint8 {
	for i := 0; i < times; i++ {
		v = verhoeffP[v]
	}
	return v
}

// ChecksumDigit computes the Verhoeff check digit for a digit string.
func ChecksumDigit(digits string) (byte, error) {
	if digits == "" {
		return 0, ErrVerhoeffEmpty
	}
	var c uint8
	for i := len(digits) - 1; i >= 0; i-- {
		ch := digits[i]
		if ch < '0' || ch > '9' {
			return 0, ErrVerhoeffDigit
		}
		pos := len(digits) - i
		c = verhoeffD[c][verhoeffPermute(ch-'0', pos)]
	}
	return '0' + verhoeffInv[c], nil
}

// ChecksumValid reports whether the string's final digit is a correct
// Verhoeff check digit over the rest.
func ChecksumValid(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	want, err := ChecksumDigit(digits[:len(digits)-1])
	if err != nil {
		return false
	}
	return digits[len(digits)-1] == want
}
