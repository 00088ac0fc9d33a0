package transcript

import (
	"strconv"
	"strings"
)

// scoreUnit is the spoken unit marker that may trail a score.
const scoreUnit = "分"

// chineseDigits maps Chinese numeral characters to their digit value.
var chineseDigits = map[rune]int{
	'零': 0, '〇': 0,
	'一': 1,
	'二': 2, '两': 2,
	'三': 3,
	'四': 4,
	'五': 5,
	'六': 6,
	'七': 7,
	'八': 8,
	'九': 9,
}

// ParseScore interprets a spoken score token. A trailing 分 is removed. One
// to three ASCII digits are parsed directly, anything else is read as a
// Chinese numeral where 十 and 百 scale the preceding digit (or 1 when none
// precedes them) and bare digit sequences concatenate, so 九五 reads as 95.
// Unrecognised characters are ignored.
//
// ok is false when the token contains nothing recognisable. The result is
// not clamped; see [ClampScore].
func ParseScore(token string) (score int, ok bool) {
	s := strings.TrimSpace(token)
	s = strings.TrimSuffix(s, scoreUnit)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if n := len(s); n <= 3 && isASCIIDigits(s) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	var (
		total   int
		pending int
		digits  int
		seen    bool
	)
	for _, r := range s {
		switch {
		case r == '十':
			if digits == 0 {
				pending = 1
			}
			total += pending * 10
			pending, digits = 0, 0
			seen = true
		case r == '百':
			if digits == 0 {
				pending = 1
			}
			total += pending * 100
			pending, digits = 0, 0
			seen = true
		default:
			d, isDigit := chineseDigits[r]
			if !isDigit {
				continue
			}
			pending = pending*10 + d
			digits++
			seen = true
		}
	}
	if !seen {
		return 0, false
	}
	return total + pending, true
}

// ClampScore limits n to the grade range [0, 100].
func ClampScore(n int) int {
	return max(0, min(100, n))
}

func isASCIIDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
