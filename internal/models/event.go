package models

import "time"

// Inbound event types.
const (
	EventRequestChat   = "request_chat"
	EventCancelRequest = "cancel_request"
	EventAcceptRequest = "accept_request"
	EventSendMessage   = "send_message"
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventGetRequests   = "get_requests"
	EventGetMessages   = "get_messages"
	EventGetActiveRoom = "get_active_room"
)

// Outbound event types.
const (
	EventNewRequestAdvertised = "new_request_advertised"
	EventRequestWithdrawn     = "request_withdrawn"
	EventRequestClaimed       = "request_claimed"
	EventChatStarted          = "chat_started"
	EventMessageReceived      = "message_received"
	EventRoomJoined           = "room_joined"
	EventSessionEnded         = "session_ended"
	EventRequests             = "requests"
	EventMessages             = "messages"
	EventActiveRoom           = "active_room"
	EventErrorNotice          = "error_notice"
)

// Event is a single JSON frame on the wire. Only the fields relevant to Type
// are set.
type Event struct {
	Type string `json:"type"`

	RoomID      string `json:"room_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`

	Body   string     `json:"body,omitempty"`
	Seq    int64      `json:"seq,omitempty"`
	SentAt *time.Time `json:"sent_at,omitempty"`

	// Counterpart is the other participant, set on chat_started.
	Counterpart *PublicProfile `json:"counterpart,omitempty"`
	// Requester is set on new_request_advertised.
	Requester *PublicProfile `json:"requester,omitempty"`

	Requests []RequestSummary `json:"requests,omitempty"`
	Messages []Message        `json:"messages,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RequestSummary is a pending request as listed to a responder.
type RequestSummary struct {
	RequestID      string    `json:"request_id"`
	RequesterID    string    `json:"requester_id"`
	RequesterEmail string    `json:"requester_email,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summarize converts a request for listing.
func (r *SupportRequest) Summarize() RequestSummary {
	s := RequestSummary{
		RequestID:      r.ID,
		RequesterID:    r.RequesterID,
		OrganizationID: r.OrganizationID,
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt,
	}
	if r.Requester != nil {
		s.RequesterEmail = r.Requester.Email
	}
	return s
}

// MessageReceivedEvent builds the live delivery frame for m.
func MessageReceivedEvent(m *Message) *Event {
	sentAt := m.SentAt
	return &Event{
		Type:      EventMessageReceived,
		RoomID:    m.SessionID,
		SessionID: m.SessionID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		Seq:       m.Seq,
		SentAt:    &sentAt,
	}
}

// ErrorNoticeEvent builds an error_notice frame.
func ErrorNoticeEvent(code, message string) *Event {
	return &Event{Type: EventErrorNotice, Code: code, Message: message}
}
