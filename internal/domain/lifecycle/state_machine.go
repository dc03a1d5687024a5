// Пакет lifecycle — конечный автомат обработки одного запроса загрузки.
//
// Прямой путь: received → validated → scanned → stored → committed.
// Состояние failed поглощающее и достижимо из любого незавершённого шага.
// Каждый переход — предусловие для следующего компонента конвейера:
// перемещение файла разрешено только из scanned, запись метаданных — только из stored.
//
// Потокобезопасен через sync.RWMutex.
package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние запроса загрузки.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateScanned   State = "scanned"
	StateStored    State = "stored"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// validTransitions — матрица допустимых прямых переходов.
var validTransitions = map[State]State{
	StateReceived:  StateValidated,
	StateValidated: StateScanned,
	StateScanned:   StateStored,
	StateStored:    StateCommitted,
}

// StateMachine — автомат одного запроса загрузки.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	reason  string
	history []TransitionRecord
}

// New создаёт автомат в состоянии received.
func New() *StateMachine {
	return &StateMachine{current: StateReceived}
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Advance выполняет прямой переход в target.
//
// Ошибки:
//   - INVALID_TRANSITION — target не является следующим шагом
//   - TERMINAL_STATE — автомат уже в committed или failed
func (sm *StateMachine) Advance(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.isTerminal() {
		return &TransitionError{
			Code:    "TERMINAL_STATE",
			Message: fmt.Sprintf("переход %s → %s невозможен: конечное состояние", sm.current, target),
		}
	}
	if next, ok := validTransitions[sm.current]; !ok || next != target {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.current, target),
		}
	}

	sm.record(target, "")
	return nil
}

// Fail переводит автомат в failed и возвращает состояние, из которого
// произошёл отказ (по нему определяется, что нужно откатить).
// Повторный вызов и вызов после committed ничего не меняют.
func (sm *StateMachine) Fail(reason string) State {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	if sm.isTerminal() {
		return from
	}
	sm.reason = reason
	sm.record(StateFailed, reason)
	return from
}

// Reason возвращает причину отказа (пусто, если отказа не было).
func (sm *StateMachine) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

func (sm *StateMachine) record(target State, reason string) {
	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        target,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	sm.current = target
}

func (sm *StateMachine) isTerminal() bool {
	return sm.current == StateCommitted || sm.current == StateFailed
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, TERMINAL_STATE
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
