package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store: постоянное хранилище настроек.
type Store interface {
	// Restore читает настройки. Повреждённый документ: ошибка, а не умолчания.
	Restore() (*Settings, error)
	// Backup сохраняет настройки.
	Backup(s *Settings) error
}

// FileStore хранит настройки в одном файле (.toml или .yml).
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore: хранилище в файле path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path: путь к файлу настроек.
func (f *FileStore) Path() string { return f.path }

// Restore читает файл; если его нет, создаёт каталог и файл с настройками по умолчанию.
func (f *FileStore) Restore() (*Settings, error) {
	s, err := Load(f.path)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	s = Default()
	if err := f.Backup(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Backup атомарно перезаписывает файл (временный файл + rename).
func (f *FileStore) Backup(s *Settings) error {
	data, err := Encode(f.path, s)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// MemoryStore: хранилище в памяти (тесты, запуск без файла).
type MemoryStore struct {
	mu sync.Mutex
	s  *Settings
	// Err, если задан, возвращается из Backup.
	Err error
}

// NewMemoryStore: хранилище с начальным значением s (при nil берётся Default).
func NewMemoryStore(s *Settings) *MemoryStore {
	if s == nil {
		s = Default()
	}
	return &MemoryStore{s: s.Clone()}
}

// Restore возвращает копию сохранённого документа.
func (m *MemoryStore) Restore() (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.Clone(), nil
}

// Backup запоминает копию s или возвращает Err.
func (m *MemoryStore) Backup(s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.s = s.Clone()
	return nil
}
