package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memSink — приёмник для тестов, сохраняет события в памяти.
type memSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *memSink) Write(_ context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// TestRecorder_DeliversOnStop проверяет доставку всех событий до завершения Stop.
func TestRecorder_DeliversOnStop(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, 10, testLogger())
	r.Start(context.Background())

	for i := 0; i < 5; i++ {
		r.Record(Event{Action: ActionUpload, Actor: "alice"})
	}
	r.Stop()

	if got := sink.len(); got != 5 {
		t.Fatalf("ожидалось 5 событий, получено %d", got)
	}
	if sink.events[0].At.IsZero() {
		t.Error("время события должно заполняться автоматически")
	}
}

// TestRecorder_DropsWhenFull проверяет, что Record не блокирует при полном буфере.
func TestRecorder_DropsWhenFull(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	r := NewRecorder(sink, 2, testLogger())
	r.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			r.Record(Event{Action: ActionDelete})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record заблокировался при переполненном буфере")
	}

	close(sink.block)
	r.Stop()
	if got := sink.len(); got > 3 {
		t.Errorf("ожидалось не более 3 событий (буфер + одно в обработке), получено %d", got)
	}
}

// TestRecorder_SinkErrorDoesNotStop проверяет, что ошибка приёмника не останавливает запись.
func TestRecorder_SinkErrorDoesNotStop(t *testing.T) {
	sink := &memSink{err: errors.New("sink down")}
	r := NewRecorder(sink, 10, testLogger())
	r.Start(context.Background())
	r.Record(Event{Action: ActionUpload})
	r.Record(Event{Action: ActionUpload})
	r.Stop()

	if got := sink.len(); got != 2 {
		t.Errorf("ожидалось 2 попытки записи, получено %d", got)
	}
}

// TestRecorder_StopIdempotent проверяет повторный Stop и Record после остановки.
func TestRecorder_StopIdempotent(t *testing.T) {
	r := NewRecorder(&memSink{}, 1, testLogger())
	r.Stop()
	r.Stop()
	r.Record(Event{Action: ActionUpload})
	r.Start(context.Background())
}

// TestLogSink проверяет, что LogSink не возвращает ошибок.
func TestLogSink(t *testing.T) {
	sink := NewLogSink(testLogger())
	err := sink.Write(context.Background(), Event{
		Action: ActionStream, Actor: "token", AttachmentID: "a-1", Filename: "x.pdf",
	})
	if err != nil {
		t.Errorf("LogSink.Write: %v", err)
	}
}
