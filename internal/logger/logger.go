// Package logger: логирование с префиксом сервиса и асинхронной записью через буферизованный
// канал, чтобы горячие пути (рассылка событий, подписки хранилища) не ждали вывода.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const asyncBufferSize = 8192

// slowCallThreshold: порог LogDuration на уровне info.
const slowCallThreshold = 100 * time.Millisecond

type level int32

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var (
	prefix   atomic.Value
	logLevel atomic.Int32
	dropped  atomic.Int64
	ch       chan string
	once     sync.Once
)

func init() {
	prefix.Store("")
	SetLevel(os.Getenv("LOG_LEVEL"))
}

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// SetLevel задаёт уровень: debug, info, warn, error. Неизвестное значение: info.
func SetLevel(s string) {
	logLevel.Store(int32(parseLevel(s)))
}

func enabled(l level) bool {
	return level(logLevel.Load()) <= l
}

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон: не блокируем, теряем лог
		dropped.Add(1)
	}
}

// Dropped: число сообщений, потерянных из-за переполнения буфера.
func Dropped() int64 { return dropped.Load() }

// SetPrefix задаёт префикс для всех последующих логов (например "api", "push").
func SetPrefix(p string) {
	prefix.Store(p)
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Debugf(format string, v ...any) {
	if enabled(levelDebug) {
		enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
	}
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	if enabled(levelInfo) {
		enqueue(tag() + fmt.Sprint(v...))
	}
}

func Infof(format string, v ...any) {
	if enabled(levelInfo) {
		enqueue(tag() + fmt.Sprintf(format, v...))
	}
}

func Warnf(format string, v ...any) {
	if enabled(levelWarn) {
		enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
	}
}

// Error пишет ошибку с префиксом (асинхронно). Ошибки пишутся на любом уровне.
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// Fatalf пишет ошибку синхронно (мимо очереди) и завершает процесс с кодом 1.
func Fatalf(format string, v ...any) {
	log.Print(tag() + "FATAL: " + fmt.Sprintf(format, v...))
	os.Exit(1)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// На уровне debug пишутся все вызовы, иначе только дольше slowCallThreshold.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if enabled(levelDebug) || (enabled(levelInfo) && elapsed >= slowCallThreshold) {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("db.Get", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
