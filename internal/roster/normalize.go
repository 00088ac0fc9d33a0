package roster

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	nonDigit       = regexp.MustCompile(`\D+`)
	nameSeparators = regexp.MustCompile(`[_\-·•.,，、/|;；\t]+`)
	leadingIndex   = regexp.MustCompile(`^\d+\s*[.、)）]?\s*`)
	leadingLabel   = regexp.MustCompile(`^(?i:姓名|名字|学生|学号|name|student)\s*[:：]?\s*`)
	trailingSuffix = regexp.MustCompile(`(同学|学生)$`)
	hanRun         = regexp.MustCompile(`\p{Han}+`)
)

// labelWords are tokens that look like names but are column captions.
var labelWords = map[string]struct{}{
	"姓名": {},
	"名字": {},
	"学号": {},
	"学生": {},
	"编号": {},
	"序号": {},
	"成绩": {},
	"班级": {},
}

// NormalizeStudentID strips every non-digit character from s.
func NormalizeStudentID(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// NormalizeStudentName cleans a free-form name. Separators become spaces, a
// leading list index, a leading label ("姓名:") and a trailing honorific are
// removed. When the result contains Han characters the longest contiguous
// run is returned, otherwise the cleaned string.
func NormalizeStudentName(s string) string {
	s = strings.TrimSpace(s)
	s = nameSeparators.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = leadingIndex.ReplaceAllString(s, "")
	s = leadingLabel.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = trailingSuffix.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")

	if run := longestHanRun(s); run != "" {
		return run
	}
	return s
}

// longestHanRun returns the longest contiguous run of Han characters in s.
// Ties go to the leftmost run.
func longestHanRun(s string) string {
	best := ""
	bestLen := 0
	for _, run := range hanRun.FindAllString(s, -1) {
		if n := len([]rune(run)); n > bestLen {
			best, bestLen = run, n
		}
	}
	return best
}

// isHan reports whether every rune of s is a Han character.
func isHan(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.Is(unicode.Han, r) {
			return false
		}
	}
	return true
}
