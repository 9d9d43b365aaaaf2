package service

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeAnswer 去首尾空白、转小写、NFD 分解后去掉组合符号、合并连续空白。
// 结果是不动点：NormalizeAnswer(NormalizeAnswer(s)) == NormalizeAnswer(s)
func NormalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(stripped), " ")
}
