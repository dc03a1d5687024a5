// Пакет scanner — эвристическая проверка загруженного содержимого
// на враждебность перед сохранением.
//
// Проверки: абсолютный потолок размера, регулярные выражения для текстовых
// типов, чёрный список исполняемых сигнатур для бинарных. Неоднозначные
// контейнеры (OLE2, ZIP) пропускаются с записью в лог. SHA-256 вычисляется
// для журнала и не является гарантией безопасности.
// Любая ошибка ввода-вывода означает отказ.
package scanner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"

	"github.com/bigkaa/goartstore/attachment-store/internal/security/signature"
)

const (
	// textPrefixSize — объём текста, проверяемый регулярными выражениями.
	textPrefixSize = 1 << 20
	// binaryPrefixSize — объём префикса для чёрного списка сигнатур.
	binaryPrefixSize = 4096
)

// Result — результат сканирования.
type Result struct {
	Safe   bool
	Reason string
	// SHA256 — хэш содержимого (hex), пусто при ошибке чтения
	SHA256 string
}

// hostilePattern — запрещённый фрагмент текста.
type hostilePattern struct {
	name string
	re   *regexp.Regexp
}

var hostilePatterns = []hostilePattern{
	{"встроенный скрипт", regexp.MustCompile(`(?i)<\s*script[\s>/]`)},
	{"javascript-URL", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"динамическое выполнение кода", regexp.MustCompile(`(?i)\beval\s*\(|\bnew\s+Function\s*\(`)},
	{"доступ к cookie", regexp.MustCompile(`(?i)document\s*\.\s*cookie`)},
	{"запуск процесса", regexp.MustCompile(`(?i)\b(exec|system|shell_exec|passthru|popen|proc_open|spawn)\s*\(|child_process|Runtime\s*\.\s*getRuntime\s*\(\s*\)\s*\.\s*exec`)},
}

// blacklistEntry — сигнатура из чёрного списка.
type blacklistEntry struct {
	name  string
	magic []byte
	// ambiguous — формат может быть легитимным документом; пропускается
	ambiguous bool
}

var blacklist = []blacklistEntry{
	{name: "исполняемый файл Windows (PE)", magic: []byte("MZ")},
	{name: "исполняемый файл ELF", magic: []byte("\x7fELF")},
	{name: "Mach-O (32)", magic: []byte("\xFE\xED\xFA\xCE")},
	{name: "Mach-O (64)", magic: []byte("\xFE\xED\xFA\xCF")},
	{name: "Mach-O (32, LE)", magic: []byte("\xCE\xFA\xED\xFE")},
	{name: "Mach-O (64, LE)", magic: []byte("\xCF\xFA\xED\xFE")},
	{name: "Mach-O universal / Java class", magic: []byte("\xCA\xFE\xBA\xBE")},
	{name: "скрипт с shebang", magic: []byte("#!")},
	{name: "OLE2-контейнер (возможны макросы)", magic: []byte("\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1"), ambiguous: true},
	{name: "ZIP-контейнер", magic: []byte("PK\x03\x04"), ambiguous: true},
}

// Scanner — сканер содержимого. Безопасен для конкурентного использования.
type Scanner struct {
	maxSize int64
	logger  *slog.Logger
}

// New создаёт сканер с абсолютным потолком размера maxSize.
func New(maxSize int64, logger *slog.Logger) *Scanner {
	return &Scanner{
		maxSize: maxSize,
		logger:  logger.With(slog.String("component", "scanner")),
	}
}

// Scan проверяет файл path, заявленный как claimedType.
func (s *Scanner) Scan(path, claimedType string) Result {
	f, err := os.Open(path)
	if err != nil {
		return Result{Reason: "файл недоступен для сканирования: " + ioReason(err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{Reason: "ошибка чтения атрибутов файла: " + ioReason(err)}
	}
	if !info.Mode().IsRegular() {
		return Result{Reason: "объект не является обычным файлом"}
	}
	if info.Size() > s.maxSize {
		return Result{Reason: fmt.Sprintf("размер %d байт превышает предел сканирования %d байт", info.Size(), s.maxSize)}
	}

	prefixSize := binaryPrefixSize
	text := signature.IsText(claimedType)
	if text {
		prefixSize = textPrefixSize
	}

	// Хэш считается по всему файлу, префикс копируется по ходу чтения.
	hasher := sha256.New()
	prefix := bytes.NewBuffer(make([]byte, 0, min(prefixSize, int(info.Size())+1)))
	if _, err := io.Copy(hasher, io.TeeReader(f, &capWriter{buf: prefix, limit: prefixSize})); err != nil {
		return Result{Reason: "ошибка чтения файла: " + ioReason(err)}
	}
	sum := hex.EncodeToString(hasher.Sum(nil))

	if text {
		for _, p := range hostilePatterns {
			if p.re.Match(prefix.Bytes()) {
				return Result{SHA256: sum, Reason: "обнаружен запрещённый фрагмент: " + p.name}
			}
		}
	} else {
		for _, e := range blacklist {
			if !bytes.HasPrefix(prefix.Bytes(), e.magic) {
				continue
			}
			if e.ambiguous {
				s.logger.Info("Неоднозначный контейнер пропущен",
					slog.String("format", e.name),
					slog.String("content_type", claimedType),
					slog.String("sha256", sum),
				)
				break
			}
			return Result{SHA256: sum, Reason: "обнаружена исполняемая сигнатура: " + e.name}
		}
	}

	s.logger.Debug("Содержимое проверено",
		slog.String("content_type", claimedType),
		slog.Int64("size", info.Size()),
		slog.String("sha256", sum),
	)
	return Result{Safe: true, SHA256: sum}
}

// capWriter сохраняет первые limit байтов потока.
type capWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

// ioReason возвращает текст ошибки без пути к файлу.
func ioReason(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op + ": " + pe.Err.Error()
	}
	return err.Error()
}
