package store

import (
	"context"
	"net/http"

	"github.com/BaSui01/taskmesh/types"
)

// SaveMessage persists a message for the audit trail.
func (s *Store) SaveMessage(ctx context.Context, m *types.Message) (*types.Message, error) {
	if err := s.DB().WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// MessageHistory returns messages the agent sent or received, newest first,
// optionally filtered by type.
func (s *Store) MessageHistory(ctx context.Context, agentID uint, msgType types.MessageType, limit int) ([]types.Message, error) {
	q := s.DB().WithContext(ctx).
		Where("sender_id = ? OR receiver_id = ?", agentID, agentID).
		Order("created_at DESC")
	if msgType != "" {
		q = q.Where("type = ?", msgType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var messages []types.Message
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkMessageRead flags a message as read.
func (s *Store) MarkMessageRead(ctx context.Context, messageID uint) error {
	res := s.DB().WithContext(ctx).
		Model(&types.Message{}).
		Where("id = ?", messageID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrInvalidRequest, "message not found").WithHTTPStatus(http.StatusNotFound)
	}
	return nil
}

// UnreadCount counts unread messages addressed to the agent.
func (s *Store) UnreadCount(ctx context.Context, agentID uint) (int64, error) {
	var n int64
	err := s.DB().WithContext(ctx).
		Model(&types.Message{}).
		Where("receiver_id = ? AND read = ?", agentID, false).
		Count(&n).Error
	return n, err
}
