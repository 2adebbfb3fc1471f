package models

import "time"

// Chat frame types on the companion chat channel.
const (
	ChatTypeJoinRoom       = "join-room"
	ChatTypeLeaveRoom      = "leave-room"
	ChatTypeSendMessage    = "send-message"
	ChatTypeReceiveMessage = "receive-message"
	ChatTypeError          = "error"
)

// ChatMessage is a persisted room message.
type ChatMessage struct {
	ID         string    `json:"id" bson:"_id"`
	RoomID     string    `json:"roomId" bson:"roomId"`
	SenderID   string    `json:"senderId" bson:"senderId"`
	ReceiverID string    `json:"receiverId" bson:"receiverId"`
	Message    string    `json:"message" bson:"message"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ChatFrame is the envelope exchanged over the chat websocket.
type ChatFrame struct {
	Type       string       `json:"type"`
	RoomID     string       `json:"roomId,omitempty"`
	SenderID   string       `json:"senderId,omitempty"`
	ReceiverID string       `json:"receiverId,omitempty"`
	Message    string       `json:"message,omitempty"`
	Stored     *ChatMessage `json:"stored,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// SendMessageRequest is the body of POST /api/chat/messages.
type SendMessageRequest struct {
	RoomID     string `json:"roomId" binding:"required"`
	SenderID   string `json:"senderId" binding:"required"`
	ReceiverID string `json:"receiverId" binding:"required"`
	Message    string `json:"message" binding:"required"`
}
