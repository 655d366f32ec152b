// ABOUTME: Bounded, chronological paging over a conversation's message log
// ABOUTME: Offset pages for "latest N" and older blocks, plus a keyset cursor

package conversation

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/2389/coven-chat/internal/store"
)

// MessagePager is the storage capability paging needs.
type MessagePager interface {
	ListMessagesDesc(ctx context.Context, q store.PageQuery) ([]*store.Message, error)
}

// PageRequest selects one page of history.
// Page 0 is the most recent Size messages; Page n skips n*Size newer ones.
// A positive BeforeID switches to the keyset cursor and Page is ignored.
type PageRequest struct {
	ConversationID int64
	Page           int
	Size           int
	BeforeID       int64
}

// PageResult holds a page of messages, always oldest first.
type PageResult struct {
	Messages []*MessageView `json:"messages"`
	HasMore  bool           `json:"hasMore"`
	Page     int            `json:"page"`
}

// FetchPage reads one page. It asks the store for Size+1 rows so HasMore
// needs no separate count.
func FetchPage(ctx context.Context, pager MessagePager, req PageRequest) (*PageResult, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: page size must be positive", ErrInvalidInput)
	}
	if req.Page < 0 {
		return nil, fmt.Errorf("%w: page must not be negative", ErrInvalidInput)
	}
	if req.Size == math.MaxInt {
		return nil, fmt.Errorf("%w: page size too large", ErrInvalidInput)
	}

	q := store.PageQuery{
		ConversationID: req.ConversationID,
		Limit:          req.Size + 1,
		BeforeID:       req.BeforeID,
	}
	if req.BeforeID <= 0 {
		if req.Page > math.MaxInt/req.Size {
			return &PageResult{Messages: []*MessageView{}, Page: req.Page}, nil
		}
		q.Offset = req.Page * req.Size
	}

	msgs, err := pager.ListMessagesDesc(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	hasMore := len(msgs) > req.Size
	if hasMore {
		msgs = msgs[:req.Size]
	}
	slices.Reverse(msgs)

	return &PageResult{
		Messages: newMessageViews(msgs),
		HasMore:  hasMore,
		Page:     req.Page,
	}, nil
}
