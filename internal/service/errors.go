package service

import (
	"errors"
	"fmt"
)

// Kind — категория ошибки сервисного слоя. Определяет HTTP-статус и код ответа.
type Kind string

const (
	// KindValidation — содержимое не соответствует заявленному типу.
	KindValidation Kind = "VALIDATION_FAILURE"
	// KindSecurity — сканер признал содержимое опасным.
	KindSecurity Kind = "SECURITY_REJECTION"
	// KindNotFound — вложение или файл не найдены.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict — нарушение инварианта цепочки (тип содержимого и т.п.).
	KindConflict Kind = "CONFLICT"
	// KindStorage — сбой файловой системы или БД.
	KindStorage Kind = "STORAGE_FAILURE"
	// KindAuth — отсутствующий, просроченный или чужой токен.
	KindAuth Kind = "AUTH_FAILURE"
	// KindPermission — вызывающий не может менять вложение.
	KindPermission Kind = "PERMISSION_DENIED"
	// KindBadRequest — некорректные входные данные.
	KindBadRequest Kind = "BAD_REQUEST"
	// KindTooLarge — файл больше допустимого размера.
	KindTooLarge Kind = "FILE_TOO_LARGE"
)

// Error — ошибка сервисного слоя. Message безопасно показывать клиенту,
// Err — внутренняя причина, попадает только в логи и development-ответы.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf возвращает категорию ошибки. Ошибки вне сервисного слоя
// считаются сбоем хранилища.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindStorage
}

// IsKind сообщает, относится ли ошибка к категории kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
