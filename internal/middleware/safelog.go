package middleware

import "unicode/utf8"

const maskKeep = 4

// MaskID оставляет в логах только начало идентификатора.
func MaskID(id string) string {
	if utf8.RuneCountInString(id) <= maskKeep {
		return "****"
	}
	runes := []rune(id)
	return string(runes[:maskKeep]) + "***"
}
