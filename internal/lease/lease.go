// Пакет lease — аренда фонового обслуживания через flock() на общем хранилище.
//
// Несколько экземпляров Attachment Store могут работать с одним корнем
// хранилища (NFS v4+). Очистку временной области и сверку выполняет
// только держатель аренды:
//  1. Попытка захватить эксклюзивную блокировку {root}/.maintenance.lock
//  2. Получена — экземпляр держатель, его адрес пишется в .maintenance.holder
//  3. Не получена — ожидание, адрес держателя читается из .maintenance.holder
//  4. Ожидающий экземпляр периодически повторяет попытку захвата
package lease

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	lockFile   = ".maintenance.lock"
	holderFile = ".maintenance.holder"
)

// Lease — аренда фонового обслуживания.
type Lease struct {
	dir           string
	addr          string
	retryInterval time.Duration
	logger        *slog.Logger

	onAcquire func()
	onRelease func()

	mu     sync.RWMutex
	held   bool
	holder string
	lock   *os.File

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New создаёт аренду в каталоге dir. addr — адрес текущего экземпляра
// (host:port), записывается для остальных экземпляров.
// onAcquire вызывается при получении аренды, onRelease — при её снятии в Stop.
func New(dir, addr string, retryInterval time.Duration, onAcquire, onRelease func(), logger *slog.Logger) *Lease {
	return &Lease{
		dir:           dir,
		addr:          addr,
		retryInterval: retryInterval,
		onAcquire:     onAcquire,
		onRelease:     onRelease,
		logger:        logger.With(slog.String("component", "lease")),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start делает первую попытку захвата и возвращает управление.
// Если аренда занята, повторные попытки идут в фоне.
func (l *Lease) Start() error {
	acquired, err := l.tryAcquire()
	if err != nil {
		return fmt.Errorf("ошибка захвата аренды: %w", err)
	}

	if acquired {
		l.becomeHolder()
		close(l.done)
		return nil
	}

	l.wait()
	go l.retryLoop()
	return nil
}

// Stop прекращает попытки захвата и снимает аренду, если она получена.
func (l *Lease) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.done

		l.mu.Lock()
		held := l.held
		if l.lock != nil {
			_ = syscall.Flock(int(l.lock.Fd()), syscall.LOCK_UN)
			_ = l.lock.Close()
			l.lock = nil
		}
		l.held = false
		l.mu.Unlock()

		if held {
			l.logger.Info("Аренда обслуживания снята")
			if l.onRelease != nil {
				l.onRelease()
			}
		}
	})
}

// Held сообщает, держит ли экземпляр аренду.
func (l *Lease) Held() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

// Holder возвращает адрес держателя аренды. Пустая строка — неизвестен.
func (l *Lease) Holder() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.holder
}

// tryAcquire пытается захватить flock без ожидания.
func (l *Lease) tryAcquire() (bool, error) {
	path := filepath.Join(l.dir, lockFile)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("не удалось открыть %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return false, nil
	}

	l.mu.Lock()
	l.lock = f
	l.mu.Unlock()
	return true, nil
}

func (l *Lease) becomeHolder() {
	l.mu.Lock()
	l.held = true
	l.holder = l.addr
	l.mu.Unlock()

	if err := l.writeHolder(); err != nil {
		l.logger.Error("Ошибка записи адреса держателя", slog.String("error", err.Error()))
	}
	l.logger.Info("Аренда обслуживания получена", slog.String("addr", l.addr))

	if l.onAcquire != nil {
		l.onAcquire()
	}
}

func (l *Lease) wait() {
	holder := l.readHolder()
	l.mu.Lock()
	l.holder = holder
	l.mu.Unlock()

	l.logger.Info("Аренда обслуживания занята, ожидание",
		slog.String("holder", holder),
		slog.String("retry_interval", l.retryInterval.String()),
	)
}

func (l *Lease) retryLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			holder := l.readHolder()
			l.mu.Lock()
			l.holder = holder
			l.mu.Unlock()

			acquired, err := l.tryAcquire()
			if err != nil {
				l.logger.Warn("Ошибка повторного захвата аренды", slog.String("error", err.Error()))
				continue
			}
			if acquired {
				l.becomeHolder()
				return
			}
		}
	}
}

// writeHolder атомарно записывает адрес держателя.
func (l *Lease) writeHolder() error {
	path := filepath.Join(l.dir, holderFile)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(l.addr), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Lease) readHolder() string {
	data, err := os.ReadFile(filepath.Join(l.dir, holderFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// InstanceAddr формирует адрес текущего экземпляра: hostname:port.
func InstanceAddr(port int) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s:%d", hostname, port)
}
