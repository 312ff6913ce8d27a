package chat

import (
	"context"

	"chat-relay/internal/envelope"
)

// MessageRepository is the persistence the service needs.
type MessageRepository interface {
	MemberLister
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	SaveMessage(ctx context.Context, msg envelope.ChatMessage) (envelope.ChatMessage, error)
	EditMessage(ctx context.Context, chatID, messageID, senderID, content string) (envelope.ChatMessage, error)
	DeleteMessage(ctx context.Context, chatID, messageID, senderID string) (envelope.ChatMessage, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]envelope.ChatMessage, error)
}

// Service commits message changes and then hands them to the notifier.
type Service struct {
	repo     MessageRepository
	notifier *Notifier
}

func NewService(repo MessageRepository, n *Notifier) *Service {
	return &Service{repo: repo, notifier: n}
}

func (s *Service) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	return s.repo.IsMember(ctx, chatID, userID)
}

func (s *Service) SaveMessage(ctx context.Context, msg envelope.ChatMessage) (envelope.ChatMessage, error) {
	saved, err := s.repo.SaveMessage(ctx, msg)
	if err != nil {
		return envelope.ChatMessage{}, err
	}
	s.notifier.NewMessage(ctx, saved)
	return saved, nil
}

func (s *Service) EditMessage(ctx context.Context, chatID, messageID, senderID, content string) (envelope.ChatMessage, error) {
	msg, err := s.repo.EditMessage(ctx, chatID, messageID, senderID, content)
	if err != nil {
		return envelope.ChatMessage{}, err
	}
	s.notifier.MessageEdited(ctx, msg)
	return msg, nil
}

func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) (envelope.ChatMessage, error) {
	msg, err := s.repo.DeleteMessage(ctx, chatID, messageID, senderID)
	if err != nil {
		return envelope.ChatMessage{}, err
	}
	s.notifier.MessageDeleted(ctx, msg)
	return msg, nil
}

func (s *Service) History(ctx context.Context, chatID string, limit int) ([]envelope.ChatMessage, error) {
	return s.repo.RecentMessages(ctx, chatID, limit)
}
