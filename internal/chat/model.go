package chat

import "chat-relay/internal/envelope"

// EditMessageRequest is the body of PATCH /api/chats/{chatID}/messages/{messageID}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

type HistoryResponse struct {
	ChatID   string                 `json:"chatId"`
	Messages []envelope.ChatMessage `json:"messages"`
}

type TypingResponse struct {
	ChatID string   `json:"chatId"`
	Users  []string `json:"users"`
}
