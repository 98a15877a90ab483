// Package services – MessageService
//
// This file implements MessageService, which owns the chat side of a
// conversation: it validates and normalizes user messages, appends them to
// the authoritative log with the next sequence number, publishes them on the
// real-time channel and relays typing signals.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include conversation/user identifiers and pagination parameters.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

// MessageService coordinates message persistence and fan-out.
type MessageService struct {
	DB        *gorm.DB
	Publisher realtime.Publisher
	Tracker   *realtime.Typing
	Locks     *KeyedMutex

	// MaxContentRunes caps message length; <= 0 disables the check.
	MaxContentRunes int
}

// Send appends a chat or price message from userID. info messages are
// server-authored and rejected here.
func (s *MessageService) Send(ctx context.Context, userID, conversationID, kind, content string) (*domain.Message, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
			attribute.String("message.kind", kind),
		),
	)
	defer span.End()

	k := domain.MessageKind(strings.ToLower(strings.TrimSpace(kind)))
	if k == "" {
		k = domain.KindChat
	}
	if k != domain.KindChat && k != domain.KindPrice {
		return nil, ErrInvalidKind
	}
	content = SanitizeContent(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrTooLong
	}

	unlock := s.Locks.Lock(conversationID)
	defer unlock()

	if _, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	var m *domain.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		m, err = repo.CreateMessage(ctx, tx, conversationID, userID, k, content)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.Tracker != nil {
		s.Tracker.Clear(ctx, conversationID, userID)
	}
	publisherOr(s.Publisher).Publish(ctx, messageEvent(m))
	return m, nil
}

// Get returns one message if userID participates in its conversation.
func (s *MessageService) Get(ctx context.Context, userID, conversationID, messageID string) (*domain.Message, error) {
	if _, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	m, err := repo.GetMessage(s.DB.WithContext(ctx), messageID)
	if err != nil || m.ConversationID != conversationID {
		return nil, ErrConversationNotFound
	}
	return m, nil
}

// ListPage returns paginated messages for a conversation in sequence order.
func (s *MessageService) ListPage(ctx context.Context, userID, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := otel.Tracer("services/MessageService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountMessages(s.DB.WithContext(ctx), conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), conversationID, offset, pageSize)
	return items, total, err
}

// ListAfter returns messages with seq > after, for clients catching up by
// polling.
func (s *MessageService) ListAfter(ctx context.Context, userID, conversationID string, after int64, limit int) ([]domain.Message, error) {
	if _, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return repo.ListMessagesAfter(s.DB.WithContext(ctx), conversationID, after, limit)
}

// Typing relays a typing signal after a participant check. It reports
// whether an event was published (false when throttled).
func (s *MessageService) Typing(ctx context.Context, userID, conversationID string) (bool, error) {
	if _, err := repo.GetConversationFor(ctx, s.DB, conversationID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrConversationNotFound
		}
		return false, err
	}
	if s.Tracker == nil {
		return false, nil
	}
	return s.Tracker.Signal(ctx, conversationID, userID), nil
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// SanitizeContent normalizes user text:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two,
//   - trims surrounding whitespace.
func SanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
