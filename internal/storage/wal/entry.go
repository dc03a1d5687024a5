// Пакет wal — журнал намерений фиксации файлов вложений.
//
// Перед переносом файла в постоянный каталог записывается намерение
// (pending) с путём хранения; после фиксации метаданных в БД оно
// помечается committed, при откате — rolled_back. Намерения, оставшиеся
// pending после аварийной остановки, разбираются при старте: файл без
// строки в БД удаляется.
//
// Каждая запись — отдельный файл {tx_id}.wal.json. Каталог журнала может
// быть общим для нескольких экземпляров: запись помечается владельцем.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в журнал.
type OperationType string

const (
	// OpFileCommit — перенос загрузки в постоянный каталог (новое вложение)
	OpFileCommit OperationType = "file_commit"
	// OpVersionCommit — перенос загрузки как новой версии цепочки
	OpVersionCommit OperationType = "version_commit"
)

// TransactionStatus — статус записи журнала.
type TransactionStatus string

const (
	// StatusPending — файл переносится или метаданные ещё не зафиксированы
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — метаданные зафиксированы в БД
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — операция отменена, файл удалён
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`
	// Owner — экземпляр (host:port), открывший намерение
	Owner string `json:"owner,omitempty"`

	// AttachmentID — идентификатор создаваемого вложения
	AttachmentID string `json:"attachment_id"`
	// StoragePath — путь постоянного хранения (относительно корня)
	StoragePath string `json:"storage_path"`

	StartedAt time.Time `json:"started_at"`
	// CompletedAt — nil для pending записей
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла журнала для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
