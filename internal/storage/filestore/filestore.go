// Пакет filestore — операции с физическими файлами на диске.
//
// Раскладка корня хранилища:
//
//	projects/ epics/ stories/ tasks/  — постоянные каталоги сущностей (создаются по требованию)
//	temp/                              — область временного хранения загрузок
//	versions/                          — зарезервирован
//
// Перенос из temp/ в постоянный каталог выполняется атомарным rename,
// копирование с последующим удалением не используется.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

const (
	// TempDirName — каталог области временного хранения.
	TempDirName = "temp"
	// VersionsDirName — зарезервированный каталог версий.
	VersionsDirName = "versions"

	tempSuffix = ".part"
)

var (
	// ErrFileNotFound — файл отсутствует на диске.
	ErrFileNotFound = errors.New("файл не найден")
	// ErrTooLarge — загрузка превысила допустимый размер.
	ErrTooLarge = errors.New("превышен допустимый размер файла")
	// ErrInvalidPath — путь выходит за пределы допустимого каталога.
	ErrInvalidPath = errors.New("недопустимый путь")
)

// FileStore — управление физическими файлами на диске.
type FileStore struct {
	root        string
	tempDir     string
	versionsDir string
	logger      *slog.Logger
	now         func() time.Time
}

// TempFile — файл, записанный в область временного хранения.
type TempFile struct {
	// Path — абсолютный путь во временной области
	Path string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 записанных данных
	Checksum string
}

// StoredFile — файл в постоянном каталоге сущности.
type StoredFile struct {
	StoragePath string
	Size        int64
	ModTime     time.Time
}

// New создаёт FileStore. Создаёт корень, temp/ и versions/, если их нет.
func New(root string, logger *slog.Logger) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("некорректный корень хранилища %s: %w", root, err)
	}
	s := &FileStore{
		root:        abs,
		tempDir:     filepath.Join(abs, TempDirName),
		versionsDir: filepath.Join(abs, VersionsDirName),
		logger:      logger.With(slog.String("component", "filestore")),
		now:         time.Now,
	}
	for _, dir := range []string{s.root, s.tempDir, s.versionsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root возвращает абсолютный путь корня хранилища.
func (s *FileStore) Root() string { return s.root }

// TempDir возвращает путь области временного хранения.
func (s *FileStore) TempDir() string { return s.tempDir }

// SaveTemp записывает поток в область временного хранения с подсчётом
// SHA-256 на лету. Если данных больше limit, файл удаляется и
// возвращается ErrTooLarge.
//
// Паттерн: запись + SHA-256 → fsync → close. При ошибке файл удаляется.
func (s *FileStore) SaveTemp(reader io.Reader, limit int64) (*TempFile, error) {
	name := fmt.Sprintf("upload_%s_%s%s", s.now().UTC().Format("20060102T150405.000000000Z"), uuid.NewString(), tempSuffix)
	path := filepath.Join(s.tempDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	// Читаем на байт больше лимита, чтобы отличить «ровно limit» от превышения.
	size, err := io.Copy(f, io.TeeReader(io.LimitReader(reader, limit+1), hasher))
	if err == nil && size > limit {
		err = ErrTooLarge
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка записи временного файла: %w", err)
	}

	return &TempFile{Path: path, Size: size, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// NewStoragePath генерирует относительный путь постоянного хранения.
// Формат: {каталог сущности}/{name}_{timestamp}_{uuid8}{ext}
// Пример: tasks/photo_20260221T150405Z_a1b2c3d4.jpg
func (s *FileStore) NewStoragePath(kind model.EntityKind, originalFilename string) string {
	return filepath.ToSlash(filepath.Join(kind.Dir(), generateStorageName(originalFilename, s.now())))
}

// Commit атомарно переносит tempPath в storagePath. Каталог сущности
// создаётся идемпотентно. tempPath обязан лежать в temp/.
func (s *FileStore) Commit(tempPath, storagePath string) error {
	src, err := s.tempPath(tempPath)
	if err != nil {
		return err
	}
	dst, err := s.permanentPath(storagePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("ошибка создания каталога сущности: %w", err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("файл назначения уже существует: %w", fs.ErrExist)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Remove удаляет файл постоянного хранения. Ошибки только логируются:
// оставшийся файл подберёт сверка, а удаление строки в БД не должно блокироваться.
func (s *FileStore) Remove(storagePath string) {
	if err := s.DeleteFile(storagePath); err != nil {
		s.logger.Warn("Не удалось удалить файл вложения",
			slog.String("error", s.Redact(err.Error())),
		)
	}
}

// DeleteFile удаляет файл постоянного хранения.
// Возвращает nil, если файл уже не существует.
func (s *FileStore) DeleteFile(storagePath string) error {
	full, err := s.permanentPath(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	return nil
}

// RemoveTemp удаляет временный файл (best effort).
func (s *FileStore) RemoveTemp(tempPath string) {
	src, err := s.tempPath(tempPath)
	if err != nil {
		return
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Не удалось удалить временный файл",
			slog.String("error", s.Redact(err.Error())),
		)
	}
}

// Open открывает файл постоянного хранения для чтения.
// Вызывающий код обязан закрыть файл.
func (s *FileStore) Open(storagePath string) (*os.File, error) {
	full, err := s.permanentPath(storagePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	return f, nil
}

// Exists проверяет наличие обычного файла по пути постоянного хранения.
func (s *FileStore) Exists(storagePath string) bool {
	full, err := s.permanentPath(storagePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// ComputeChecksum вычисляет SHA-256 хэш существующего файла.
func (s *FileStore) ComputeChecksum(storagePath string) (string, error) {
	f, err := s.Open(storagePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SweepTemp удаляет из temp/ файлы старше maxAge.
// Возвращает число удалённых файлов и освобождённый объём.
func (s *FileStore) SweepTemp(maxAge time.Duration) (removed int, freed int64, err error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка чтения области временного хранения: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, infoErr := e.Info()
		if infoErr != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if rmErr := os.Remove(filepath.Join(s.tempDir, e.Name())); rmErr != nil {
			if !errors.Is(rmErr, fs.ErrNotExist) {
				s.logger.Warn("Не удалось удалить брошенный временный файл",
					slog.String("name", e.Name()),
					slog.String("error", s.Redact(rmErr.Error())),
				)
			}
			continue
		}
		removed++
		freed += info.Size()
	}
	return removed, freed, nil
}

// ListPermanent возвращает все файлы в каталогах сущностей.
func (s *FileStore) ListPermanent() ([]StoredFile, error) {
	var files []StoredFile
	for _, kind := range model.EntityKinds() {
		dir := filepath.Join(s.root, kind.Dir())
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения каталога %s: %w", kind.Dir(), err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, StoredFile{
				StoragePath: kind.Dir() + "/" + e.Name(),
				Size:        info.Size(),
				ModTime:     info.ModTime(),
			})
		}
	}
	return files, nil
}

// CheckWritable проверяет, что область временного хранения доступна на запись.
func (s *FileStore) CheckWritable() error {
	f, err := os.CreateTemp(s.tempDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("область временного хранения недоступна на запись: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Redact заменяет корень хранилища в тексте на <storage>.
func (s *FileStore) Redact(text string) string {
	return strings.ReplaceAll(text, s.root, "<storage>")
}

// tempPath проверяет, что путь лежит непосредственно в temp/.
func (s *FileStore) tempPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil || filepath.Dir(abs) != s.tempDir {
		return "", fmt.Errorf("%w: файл вне области временного хранения", ErrInvalidPath)
	}
	return abs, nil
}

// permanentPath проверяет относительный путь вида {каталог сущности}/{имя}.
func (s *FileStore) permanentPath(storagePath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(storagePath))
	dir, name := filepath.Split(clean)
	if filepath.IsAbs(clean) || name == "" || name == "." || name == ".." || !isEntityDir(filepath.Clean(dir)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, storagePath)
	}
	return filepath.Join(s.root, clean), nil
}

func isEntityDir(dir string) bool {
	for _, k := range model.EntityKinds() {
		if dir == k.Dir() {
			return true
		}
	}
	return false
}

// generateStorageName генерирует имя файла для хранения на диске.
// Формат: {name}_{timestamp}_{uuid8}{ext}
func generateStorageName(originalFilename string, now time.Time) string {
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(originalFilename, `\`, "/")))
	ext := sanitizeExt(filepath.Ext(base))
	name := sanitize(strings.TrimSuffix(base, filepath.Ext(base)))

	// Ограничиваем длину имени для предотвращения проблем с FS
	if r := []rune(name); len(r) > 50 {
		name = string(r[:50])
	}

	ts := now.UTC().Format("20060102T150405Z")
	uid := uuid.NewString()[:8]
	return fmt.Sprintf("%s_%s_%s%s", name, ts, uid, ext)
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}

// sanitizeExt оставляет расширение только из латиницы и цифр, не длиннее 10 символов.
func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	clean := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, r := range clean {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return ""
		}
	}
	if clean == "" || len(clean) > 10 {
		return ""
	}
	return "." + clean
}
