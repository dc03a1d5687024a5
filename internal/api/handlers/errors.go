// errors.go — перевод ошибок сервисного слоя в HTTP-ответы.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/attachment-store/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-store/internal/service"
)

// kindStatus — HTTP-статус для каждой категории ошибки.
var kindStatus = map[service.Kind]int{
	service.KindValidation: http.StatusUnprocessableEntity,
	service.KindSecurity:   http.StatusUnprocessableEntity,
	service.KindNotFound:   http.StatusNotFound,
	service.KindConflict:   http.StatusConflict,
	service.KindStorage:    http.StatusInternalServerError,
	service.KindAuth:       http.StatusUnauthorized,
	service.KindPermission: http.StatusForbidden,
	service.KindBadRequest: http.StatusBadRequest,
	service.KindTooLarge:   http.StatusRequestEntityTooLarge,
}

// genericStorageMessage — сообщение о сбое хранилища для production.
const genericStorageMessage = "Внутренняя ошибка хранилища, повторите запрос позже"

// ErrorWriter пишет ошибки сервисного слоя в едином формате.
// В development сбои хранилища показываются с причиной,
// из которой вырезан корень хранилища.
type ErrorWriter struct {
	development bool
	redact      func(string) string
	logger      *slog.Logger
}

// NewErrorWriter создаёт ErrorWriter. redact может быть nil.
func NewErrorWriter(development bool, redact func(string) string, logger *slog.Logger) *ErrorWriter {
	if redact == nil {
		redact = func(s string) string { return s }
	}
	return &ErrorWriter{
		development: development,
		redact:      redact,
		logger:      logger.With(slog.String("component", "api")),
	}
}

// Write отправляет ответ об ошибке err.
func (ew *ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := genericStorageMessage
	var se *service.Error
	if errors.As(err, &se) && kind != service.KindStorage {
		message = se.Message
	}

	if kind == service.KindStorage {
		ew.logger.Error("Сбой обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", ew.redact(err.Error())),
		)
		if ew.development {
			message = ew.redact(err.Error())
		}
	}

	apierrors.WriteError(w, status, string(kind), message)
}
