package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Join собирает путь из сегментов. Пустые сегменты и "/" внутри сегмента недопустимы.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// CleanPath проверяет путь и возвращает его без крайних "/".
func CleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return p, nil
}

// EscapeSegment кодирует произвольную строку (например, эмодзи) в один сегмент пути.
func EscapeSegment(s string) string {
	return url.PathEscape(s)
}

// UnescapeSegment: обратная операция к EscapeSegment. Некорректный ввод возвращается как есть.
func UnescapeSegment(s string) string {
	v, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return v
}

// Parent возвращает родительский путь ("" для корневого сегмента).
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// LastSegment возвращает последний сегмент пути.
func LastSegment(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// IsUnder сообщает, лежит ли path по base или ниже.
func IsUnder(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+"/")
}

// related: запись по written затрагивает подписку по watched.
func related(watched, written string) bool {
	return IsUnder(watched, written) || IsUnder(written, watched)
}
