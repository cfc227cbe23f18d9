// Package localstore реализует файловое key/value хранилище клиента.
//
// Хранилище держит все значения в одном JSON-файле и переписывает его
// целиком при каждой записи. Модель доступа — атомарный
// read-modify-write всей коллекции; параллельные писатели не
// предполагаются (клиент работает в одном процессе).
package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store предоставляет доступ к локальному персистентному хранилищу.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// Open загружает хранилище из указанного файла. Отсутствующий или
// повреждённый файл даёт пустое хранилище: чтение может деградировать,
// запись — нет.
func Open(path string) *Store {
	s := &Store{
		path: path,
		data: make(map[string]json.RawMessage),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		return s
	}
	if data != nil {
		s.data = data
	}

	return s
}

// Path возвращает путь к файлу хранилища.
func (s *Store) Path() string {
	return s.path
}

// Get десериализует значение ключа в into и сообщает, найден ли ключ.
// Повреждённое значение считается отсутствующим.
func (s *Store) Get(key string, into any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false
	}
	return true
}

// Set сериализует значение и синхронно сохраняет файл хранилища.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = raw
	return s.persist()
}

// Delete удаляет ключ и синхронно сохраняет файл хранилища.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.persist()
}

// DeleteByPrefix удаляет все ключи с указанным префиксом.
func (s *Store) DeleteByPrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist()
}

// Clear удаляет все данные хранилища.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]json.RawMessage)
	return s.persist()
}

// Keys возвращает отсортированный список ключей хранилища.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// persist переписывает файл хранилища через временный файл и rename,
// чтобы сбой записи не портил предыдущее состояние. Вызывается под mu.
func (s *Store) persist() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledgerpad-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close store: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace store: %w", err)
	}

	return nil
}
