package filestore

import (
	"fmt"
	"syscall"
)

// Usage — ёмкость тома хранилища в байтах.
type Usage struct {
	Total     int64
	Used      int64
	Available int64
}

// Usage возвращает ёмкость тома, на котором лежит корень хранилища.
// Available — место, доступное непривилегированному процессу.
func (s *FileStore) Usage() (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.root, &stat); err != nil {
		return Usage{}, fmt.Errorf("ошибка statfs хранилища: %w", err)
	}

	u := Usage{
		Total:     int64(stat.Blocks) * int64(stat.Bsize),
		Available: int64(stat.Bavail) * int64(stat.Bsize),
	}
	u.Used = u.Total - int64(stat.Bfree)*int64(stat.Bsize)
	return u, nil
}
