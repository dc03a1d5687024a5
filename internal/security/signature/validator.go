// Пакет signature — проверка соответствия содержимого файла
// заявленному типу по сигнатурам байтов, независимо от расширения.
//
// Бинарные типы сверяются со списком сигнатур; офисные контейнеры
// (OOXML, ODF) принимаются по доверию к заявленному типу, если тело —
// ZIP-архив. Для текстовых типов считается доля управляющих байтов,
// JSON дополнительно разбирается целиком, XML/HTML обязаны начинаться с '<'.
// Тип без правила проходит проверку.
package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// prefixSize — объём префикса для сверки бинарных сигнатур.
	prefixSize = 4096
	// textSampleSize — объём выборки для текстовой эвристики.
	textSampleSize = 8192
	// controlThreshold — максимальная доля управляющих байтов в тексте.
	controlThreshold = 0.10
)

// Verdict — результат проверки.
type Verdict struct {
	Valid  bool
	Reason string
	// Detected — фактический тип по содержимому (заполняется при отказе)
	Detected string
}

// Part — фрагмент сигнатуры: байты Magic по смещению Offset.
type Part struct {
	Offset int
	Magic  []byte
}

// Signature — сигнатура формата. Все части должны совпасть.
// При Window > 0 единственная часть ищется в первых Window байтах,
// а не только по фиксированному смещению.
type Signature struct {
	Parts  []Part
	Window int
}

// At — сигнатура по фиксированному смещению.
func At(offset int, magic string) Signature {
	return Signature{Parts: []Part{{Offset: offset, Magic: []byte(magic)}}}
}

// Within — сигнатура, которой может предшествовать служебный заголовок.
func Within(window int, magic string) Signature {
	return Signature{Parts: []Part{{Magic: []byte(magic)}}, Window: window}
}

func (s Signature) match(head []byte) bool {
	if s.Window > 0 && len(s.Parts) == 1 {
		limit := min(s.Window, len(head))
		return bytes.Contains(head[:limit], s.Parts[0].Magic)
	}
	for _, p := range s.Parts {
		end := p.Offset + len(p.Magic)
		if end > len(head) || !bytes.Equal(head[p.Offset:end], p.Magic) {
			return false
		}
	}
	return len(s.Parts) > 0
}

var zipSignatures = []Signature{
	At(0, "PK\x03\x04"),
	At(0, "PK\x05\x06"), // пустой архив
	At(0, "PK\x07\x08"), // многотомный архив
}

var ole2Signature = At(0, "\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1")

// defaultRules — реестр сигнатур по умолчанию.
func defaultRules() map[string][]Signature {
	return map[string][]Signature{
		"image/jpeg": {At(0, "\xFF\xD8\xFF")},
		"image/png":  {At(0, "\x89PNG\r\n\x1a\n")},
		"image/gif":  {At(0, "GIF87a"), At(0, "GIF89a")},
		"image/webp": {{Parts: []Part{{0, []byte("RIFF")}, {8, []byte("WEBP")}}}},
		"image/bmp":  {At(0, "BM")},
		"image/tiff": {At(0, "II*\x00"), At(0, "MM\x00*")},
		// PDF допускает мусор перед заголовком (до 1024 байт)
		"application/pdf":             {Within(1024, "%PDF-")},
		"application/zip":             zipSignatures,
		"application/gzip":            {At(0, "\x1f\x8b")},
		"application/x-7z-compressed": {At(0, "7z\xBC\xAF\x27\x1C")},
		"application/x-rar-compressed": {
			At(0, "Rar!\x1A\x07\x00"),
			At(0, "Rar!\x1A\x07\x01\x00"),
		},
		"application/msword":            {ole2Signature},
		"application/vnd.ms-excel":      {ole2Signature},
		"application/vnd.ms-powerpoint": {ole2Signature},
		// MP3: тег ID3 либо сразу кадр MPEG
		"audio/mpeg": {At(0, "ID3"), At(0, "\xFF\xFB"), At(0, "\xFF\xF3"), At(0, "\xFF\xF2")},
		// MP4: размер бокса, затем ftyp
		"video/mp4": {At(4, "ftyp")},
	}
}

// containerTypes — форматы поверх ZIP, неотличимые по конверту.
var containerTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.oasis.opendocument.spreadsheet":                            true,
	"application/vnd.oasis.opendocument.presentation":                           true,
}

// textTypes — текстовые типы; бинарные сигнатуры для них не применяются.
var textTypes = map[string]bool{
	"text/plain":       true,
	"text/csv":         true,
	"text/markdown":    true,
	"text/html":        true,
	"text/xml":         true,
	"application/json": true,
	"application/xml":  true,
}

// IsText сообщает, относится ли тип к текстовым.
func IsText(contentType string) bool {
	return textTypes[Normalize(contentType)]
}

// Normalize приводит тип к нижнему регистру и отбрасывает параметры (charset и т.п.).
func Normalize(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Validator — проверка сигнатур. Безопасен для конкурентного использования.
type Validator struct {
	rules map[string][]Signature
}

// NewValidator создаёт валидатор с реестром сигнатур по умолчанию.
func NewValidator() *Validator {
	return &Validator{rules: defaultRules()}
}

// Validate проверяет файл path на соответствие claimedType.
// Ошибки ввода-вывода возвращаются как Valid=false с причиной.
func (v *Validator) Validate(path, claimedType string) Verdict {
	f, err := os.Open(path)
	if err != nil {
		return Verdict{Reason: "файл недоступен для проверки: " + ioReason(err)}
	}
	defer f.Close()
	return v.ValidateReader(f, claimedType)
}

// ValidateReader проверяет содержимое r. Для JSON читается весь поток.
func (v *Validator) ValidateReader(r io.Reader, claimedType string) Verdict {
	claimed := Normalize(claimedType)

	if textTypes[claimed] {
		return v.validateText(r, claimed)
	}

	head, err := readPrefix(r, prefixSize)
	if err != nil {
		return Verdict{Reason: "ошибка чтения файла: " + ioReason(err)}
	}

	if containerTypes[claimed] {
		if matchAny(zipSignatures, head) {
			return Verdict{Valid: true, Reason: "офисный контейнер принят по заявленному типу (ZIP-конверт)"}
		}
		return mismatch(claimed, head)
	}

	sigs, ok := v.rules[claimed]
	if !ok {
		return Verdict{Valid: true, Reason: "для типа " + claimed + " сигнатура не зарегистрирована"}
	}
	if matchAny(sigs, head) {
		return Verdict{Valid: true}
	}
	return mismatch(claimed, head)
}

func (v *Validator) validateText(r io.Reader, claimed string) Verdict {
	var sample []byte
	var err error

	if claimed == "application/json" {
		// Выборку копируем по ходу полного разбора, чтобы читать поток один раз.
		buf := &limitedBuffer{limit: textSampleSize}
		if reason := validateJSON(io.TeeReader(r, buf)); reason != "" {
			return Verdict{Reason: reason, Detected: mimetype.Detect(buf.Bytes()).String()}
		}
		sample = buf.Bytes()
	} else {
		sample, err = readPrefix(r, textSampleSize)
		if err != nil {
			return Verdict{Reason: "ошибка чтения файла: " + ioReason(err)}
		}
	}

	if ratio := controlRatio(sample); ratio > controlThreshold {
		return Verdict{
			Reason:   fmt.Sprintf("доля управляющих байтов %.1f%% превышает допустимые %.0f%% для текстового типа %s", ratio*100, controlThreshold*100, claimed),
			Detected: mimetype.Detect(sample).String(),
		}
	}

	switch claimed {
	case "application/xml", "text/xml", "text/html":
		trimmed := bytes.TrimLeft(bytes.TrimPrefix(sample, []byte("\xEF\xBB\xBF")), " \t\r\n")
		if len(trimmed) == 0 || trimmed[0] != '<' {
			return Verdict{Reason: "содержимое типа " + claimed + " должно начинаться с '<'"}
		}
	}
	return Verdict{Valid: true}
}

// validateJSON разбирает поток целиком и возвращает причину отказа или "".
func validateJSON(r io.Reader) string {
	dec := json.NewDecoder(r)
	depth, tokens := 0, 0
	complete := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "некорректный JSON: " + err.Error()
		}
		if complete {
			return "некорректный JSON: лишние данные после значения"
		}
		tokens++
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			complete = true
		}
	}

	if tokens == 0 {
		return "некорректный JSON: пустое содержимое"
	}
	if !complete {
		return "некорректный JSON: неожиданный конец данных"
	}
	return ""
}

// controlRatio — доля управляющих байтов. Табуляция, перевод строки,
// возврат каретки и перевод страницы считаются печатными; байты >= 0x80 тоже (UTF-8).
func controlRatio(sample []byte) float64 {
	if len(sample) == 0 {
		return 0
	}
	control := 0
	for _, b := range sample {
		switch {
		case b == '\t', b == '\n', b == '\r', b == '\f':
		case b < 0x20, b == 0x7F:
			control++
		}
	}
	return float64(control) / float64(len(sample))
}

func matchAny(sigs []Signature, head []byte) bool {
	for _, s := range sigs {
		if s.match(head) {
			return true
		}
	}
	return false
}

func mismatch(claimed string, head []byte) Verdict {
	detected := mimetype.Detect(head).String()
	return Verdict{
		Reason:   fmt.Sprintf("сигнатура содержимого не соответствует типу %s (обнаружено: %s)", claimed, detected),
		Detected: detected,
	}
}

// readPrefix читает до n байтов; короткий файл не является ошибкой.
func readPrefix(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}

// ioReason возвращает текст ошибки без пути к файлу.
func ioReason(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op + ": " + pe.Err.Error()
	}
	return err.Error()
}

// limitedBuffer сохраняет первые limit байтов записанного потока.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
