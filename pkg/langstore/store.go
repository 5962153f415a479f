// Package langstore persists the detected language of each conversation.
package langstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrNotFound        = errors.New("langstore: conversation not found")
	ErrInvalidID       = errors.New("langstore: invalid conversation id")
	ErrInvalidLanguage = errors.New("langstore: invalid language tag")
)

// Store maps conversation IDs to language tags.
type Store interface {
	SetLanguage(ctx context.Context, conversationID, language string) error
	GetLanguage(ctx context.Context, conversationID string) (string, error)
}

var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})*$`)

const maxIDLength = 128

// ValidateLanguage accepts lowercase BCP-47 style tags such as "en" or
// "pt-BR".
func ValidateLanguage(language string) error {
	if !languagePattern.MatchString(language) {
		return ErrInvalidLanguage
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > maxIDLength {
		return ErrInvalidID
	}
	return nil
}

func validate(conversationID, language string) error {
	if err := validateID(conversationID); err != nil {
		return err
	}
	return ValidateLanguage(language)
}

// MemoryStore keeps languages in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	langs map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{langs: make(map[string]string)}
}

func (s *MemoryStore) SetLanguage(_ context.Context, conversationID, language string) error {
	if err := validate(conversationID, language); err != nil {
		return err
	}
	s.mu.Lock()
	s.langs[conversationID] = language
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetLanguage(_ context.Context, conversationID string) (string, error) {
	if err := validateID(conversationID); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lang, ok := s.langs[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return lang, nil
}
