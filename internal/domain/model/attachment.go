// Пакет model — доменные модели Attachment Store.
//
// Привязка вложения к сущности задаётся тегированной парой {Kind, ID},
// которую можно получить только через NewBinding. Цепочка версий
// идентифицируется явным ChainID, общим для всех версий документа.
package model

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind — тип сущности, к которой прикреплено вложение.
type EntityKind string

const (
	KindProject EntityKind = "project"
	KindEpic    EntityKind = "epic"
	KindStory   EntityKind = "story"
	KindTask    EntityKind = "task"
)

// entityDirs — каталог постоянного хранения для каждого типа сущности.
var entityDirs = map[EntityKind]string{
	KindProject: "projects",
	KindEpic:    "epics",
	KindStory:   "stories",
	KindTask:    "tasks",
}

// EntityKinds возвращает все допустимые типы сущностей.
func EntityKinds() []EntityKind {
	return []EntityKind{KindProject, KindEpic, KindStory, KindTask}
}

// ParseEntityKind преобразует строку в EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := entityDirs[k]; !ok {
		return "", fmt.Errorf("недопустимый тип сущности: %q, допустимые: project, epic, story, task", s)
	}
	return k, nil
}

// Dir возвращает имя каталога постоянного хранения для типа сущности.
func (k EntityKind) Dir() string {
	return entityDirs[k]
}

// Binding — привязка вложения ровно к одной сущности.
type Binding struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// NewBinding создаёт проверенную привязку. Пустой идентификатор
// и неизвестный тип отклоняются.
func NewBinding(kind, id string) (Binding, error) {
	k, err := ParseEntityKind(kind)
	if err != nil {
		return Binding{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Binding{}, fmt.Errorf("идентификатор сущности %s не задан", k)
	}
	if len(id) > 128 {
		return Binding{}, fmt.Errorf("идентификатор сущности %s длиннее 128 символов", k)
	}
	return Binding{Kind: k, ID: id}, nil
}

// IsZero сообщает, что привязка не задана.
func (b Binding) IsZero() bool {
	return b.Kind == "" && b.ID == ""
}

func (b Binding) String() string {
	return string(b.Kind) + ":" + b.ID
}

// Attachment — одна сохранённая версия файла.
// StoragePath — внутреннее поле, в API не возвращается.
type Attachment struct {
	ID      string
	ChainID string
	// RootID — идентификатор первой версии цепочки (заполняется из цепочки)
	RootID  string
	Binding Binding

	OriginalFilename string
	ContentType      string
	Size             int64
	// StoragePath — путь относительно корня хранилища, например tasks/report_20250101T000000Z_ab12cd34.pdf
	StoragePath string
	// Checksum — SHA-256 содержимого (hex)
	Checksum    string
	Description string
	IsPublic    bool

	VersionNumber   int
	IsLatestVersion bool
	VersionComment  string

	UploadedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chain — цепочка версий одного логического документа.
type Chain struct {
	ID          string
	RootID      string
	Binding     Binding
	ContentType string
	// LastVersion — последний выданный номер версии; не уменьшается при удалениях
	LastVersion int
	CreatedAt   time.Time
}

// Summary — представление вложения для клиентов. Путь хранения не включается.
type Summary struct {
	ID               string    `json:"id"`
	ChainID          string    `json:"chain_id"`
	RootID           string    `json:"root_id"`
	EntityKind       string    `json:"entity_kind"`
	EntityID         string    `json:"entity_id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	Size             int64     `json:"size"`
	Checksum         string    `json:"checksum"`
	Description      string    `json:"description,omitempty"`
	IsPublic         bool      `json:"is_public"`
	VersionNumber    int       `json:"version_number"`
	IsLatestVersion  bool      `json:"is_latest_version"`
	VersionComment   string    `json:"version_comment,omitempty"`
	UploadedBy       string    `json:"uploaded_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Summary возвращает клиентское представление вложения.
func (a *Attachment) Summary() Summary {
	return Summary{
		ID:               a.ID,
		ChainID:          a.ChainID,
		RootID:           a.RootID,
		EntityKind:       string(a.Binding.Kind),
		EntityID:         a.Binding.ID,
		OriginalFilename: a.OriginalFilename,
		ContentType:      a.ContentType,
		Size:             a.Size,
		Checksum:         a.Checksum,
		Description:      a.Description,
		IsPublic:         a.IsPublic,
		VersionNumber:    a.VersionNumber,
		IsLatestVersion:  a.IsLatestVersion,
		VersionComment:   a.VersionComment,
		UploadedBy:       a.UploadedBy,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

// IsRoot сообщает, является ли вложение первой версией своей цепочки.
func (a *Attachment) IsRoot() bool {
	return a.RootID != "" && a.ID == a.RootID
}

// Caller — идентичность вызывающей стороны, разрешённая слоем аутентификации.
type Caller struct {
	Subject string
	Roles   []string
	// Admin — вызывающий имеет роль администратора
	Admin bool
}

// CanModify сообщает, может ли вызывающий менять или удалять версии цепочки.
// root — корневая версия: цепочкой владеет её загрузивший, авторы
// последующих версий прав на цепочку не получают.
func (c Caller) CanModify(root *Attachment) bool {
	if c.Admin {
		return true
	}
	return c.Subject != "" && c.Subject == root.UploadedBy
}
