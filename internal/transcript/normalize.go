package transcript

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fillers are conversational noise words removed before extraction. Longer
// phrases come first so the replacer prefers them.
var fillers = []string{
	"接下来", "下一个",
	"那个", "这个", "然后", "就是", "还有", "同学",
	"嗯", "啊", "呃", "额", "哦", "噢", "呀", "吧", "呢", "嘛",
}

// punctuation is stripped in both its ASCII and full-width forms. NFKC
// folding maps most full-width forms to ASCII already; the CJK-only marks
// are listed explicitly.
var punctuation = []string{
	",", ".", "!", "?", ";", ":", "\"", "'", "(", ")", "[", "]", "~", "-",
	"，", "。", "！", "？", "；", "：", "、", "“", "”", "‘", "’", "（", "）",
	"【", "】", "《", "》", "…", "—", "～", "·",
}

var noiseReplacer = func() *strings.Replacer {
	pairs := make([]string, 0, 2*(len(fillers)+len(punctuation)))
	for _, f := range fillers {
		pairs = append(pairs, f, "")
	}
	for _, p := range punctuation {
		pairs = append(pairs, p, "")
	}
	return strings.NewReplacer(pairs...)
}()

// Normalize folds text to NFKC, removes filler words and punctuation and
// collapses whitespace runs to single spaces.
func Normalize(text string) string {
	s := norm.NFKC.String(text)
	s = noiseReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
