package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestScan_Text(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantSafe bool
	}{
		{"обычный текст", "Отчёт за квартал: выручка выросла.", true},
		{"script-тег", "<p>hi</p><script>alert(1)</script>", false},
		{"script-тег в верхнем регистре", "<SCRIPT src=x>", false},
		{"eval", "var x = eval ('1+1')", false},
		{"new Function", "new Function('return 1')()", false},
		{"document.cookie", "fetch('/x?c=' + document.cookie)", false},
		{"exec", "os.exec(\"rm -rf /\")", false},
		{"child_process", "require('child_process')", false},
		{"javascript-URL", "<a href=\"javascript:void(0)\">", false},
		{"слово evaluation без вызова", "evaluation of results", true},
	}

	s := New(1<<20, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Scan(writeFile(t, []byte(tt.data)), "text/html")
			if got.Safe != tt.wantSafe {
				t.Fatalf("хотели safe=%v, получили %v (%s)", tt.wantSafe, got.Safe, got.Reason)
			}
		})
	}
}

func TestScan_Binary(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		claimed  string
		wantSafe bool
	}{
		{"JPEG", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg", true},
		{"PE под видом PNG", []byte("MZ\x90\x00\x03\x00"), "image/png", false},
		{"ELF", []byte("\x7fELF\x02\x01"), "application/octet-stream", false},
		{"Mach-O", []byte("\xCF\xFA\xED\xFE\x07\x00"), "application/zip", false},
		{"shebang", []byte("#!/bin/sh\nrm -rf /"), "application/gzip", false},
		{"OLE2 пропускается", []byte("\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1"), "application/msword", true},
		{"ZIP пропускается", []byte("PK\x03\x04\x14\x00"), "application/zip", true},
		{"скрипт в бинарном типе не ищется", []byte("\x89PNG<script>"), "image/png", true},
	}

	s := New(1<<20, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Scan(writeFile(t, tt.data), tt.claimed)
			if got.Safe != tt.wantSafe {
				t.Fatalf("хотели safe=%v, получили %v (%s)", tt.wantSafe, got.Safe, got.Reason)
			}
		})
	}
}

func TestScan_SizeCeiling(t *testing.T) {
	s := New(10, testLogger())
	got := s.Scan(writeFile(t, []byte(strings.Repeat("a", 11))), "text/plain")
	if got.Safe {
		t.Fatal("файл больше потолка должен отклоняться")
	}
	if !strings.Contains(got.Reason, "превышает") {
		t.Errorf("неожиданная причина: %q", got.Reason)
	}
}

func TestScan_FailClosedOnIOError(t *testing.T) {
	s := New(1<<20, testLogger())

	missing := filepath.Join(t.TempDir(), "нет")
	if got := s.Scan(missing, "image/png"); got.Safe {
		t.Error("отсутствующий файл должен считаться небезопасным")
	}

	dir := t.TempDir()
	if got := s.Scan(dir, "image/png"); got.Safe {
		t.Error("каталог должен считаться небезопасным")
	}
}

func TestScan_ComputesHash(t *testing.T) {
	data := []byte("hello attachment")
	want := sha256.Sum256(data)

	got := New(1<<20, testLogger()).Scan(writeFile(t, data), "text/plain")
	if !got.Safe {
		t.Fatalf("неожиданный отказ: %s", got.Reason)
	}
	if got.SHA256 != hex.EncodeToString(want[:]) {
		t.Errorf("SHA256: хотели %x, получили %s", want, got.SHA256)
	}
}
