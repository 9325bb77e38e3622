package database

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentease/converse/internal/models"
)

// storeFactory returns a ready store plus an id that is well formed for that
// store but never assigned.
type storeFactory func(t *testing.T) (ConversationStore, string)

func newUser() string {
	return "user-" + uuid.NewString()
}

// runStoreTests exercises the behaviour every ConversationStore must share.
func runStoreTests(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("find or create returns the same conversation", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()

		first, err := db.FindOrCreateConversation(ctx, alice, bob, "listing-1")
		require.NoError(t, err)
		second, err := db.FindOrCreateConversation(ctx, bob, alice, "listing-1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.IsActive)
		assert.ElementsMatch(t, []string{alice, bob}, first.Participants)

		other, err := db.FindOrCreateConversation(ctx, alice, bob, "listing-2")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("concurrent find or create yields one conversation", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()

		const workers = 8
		ids := make([]string, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := alice, bob
				if i%2 == 1 {
					a, b = bob, alice
				}
				conv, err := db.FindOrCreateConversation(ctx, a, b, "")
				errs[i] = err
				if conv != nil {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
	})

	t.Run("find or create rejects bad participants", func(t *testing.T) {
		db, _ := factory(t)
		alice := newUser()

		_, err := db.FindOrCreateConversation(ctx, alice, alice, "")
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = db.FindOrCreateConversation(ctx, alice, "  ", "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("append resolves receiver and updates last message", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)

		msg, err := db.AppendMessage(ctx, models.NewMessage{
			ConversationID: conv.ID,
			SenderID:       alice,
			Content:        "  is the flat still available?  ",
		})
		require.NoError(t, err)
		assert.Equal(t, bob, msg.ReceiverID)
		assert.Equal(t, "is the flat still available?", msg.Content)
		assert.Equal(t, models.MessageTypeText, msg.MessageType)
		assert.False(t, msg.IsRead)

		got, err := db.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.LastMessageID)
		require.NotNil(t, got.LastMessage)
		assert.Equal(t, msg.Content, got.LastMessage.Content)
		assert.False(t, got.UpdatedAt.Before(conv.UpdatedAt))
	})

	t.Run("append validates input", func(t *testing.T) {
		db, missing := factory(t)
		alice, bob, carol := newUser(), newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)

		tests := []struct {
			name    string
			in      models.NewMessage
			wantErr error
		}{
			{
				name:    "empty content",
				in:      models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: "   "},
				wantErr: ErrInvalidArgument,
			},
			{
				name:    "content too long",
				in:      models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: strings.Repeat("é", models.MaxContentLength+1)},
				wantErr: ErrInvalidArgument,
			},
			{
				name:    "unknown type",
				in:      models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: "hi", MessageType: "video"},
				wantErr: ErrInvalidArgument,
			},
			{
				name:    "malformed conversation id",
				in:      models.NewMessage{ConversationID: "not-an-id", SenderID: alice, Content: "hi"},
				wantErr: ErrInvalidArgument,
			},
			{
				name:    "unknown conversation",
				in:      models.NewMessage{ConversationID: missing, SenderID: alice, Content: "hi"},
				wantErr: ErrNotFound,
			},
			{
				name:    "sender outside conversation",
				in:      models.NewMessage{ConversationID: conv.ID, SenderID: carol, Content: "hi"},
				wantErr: ErrForbidden,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := db.AppendMessage(ctx, tt.in)
				assert.ErrorIs(t, err, tt.wantErr)
			})
		}

		msgs, err := db.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("uppercase ids resolve to the canonical id", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)
		upper := strings.ToUpper(conv.ID)

		got, err := db.GetConversation(ctx, upper)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)

		msg, err := db.AppendMessage(ctx, models.NewMessage{ConversationID: upper, SenderID: alice, Content: "hi"})
		require.NoError(t, err)
		assert.Equal(t, conv.ID, msg.ConversationID)

		n, err := db.MarkRead(ctx, upper, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("content at the limit is accepted", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)

		_, err = db.AppendMessage(ctx, models.NewMessage{
			ConversationID: conv.ID,
			SenderID:       alice,
			Content:        strings.Repeat("é", models.MaxContentLength),
		})
		assert.NoError(t, err)
	})

	t.Run("messages list in send order", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)

		for _, text := range []string{"one", "two", "three"} {
			_, err := db.AppendMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: text})
			require.NoError(t, err)
		}

		msgs, err := db.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "one", msgs[0].Content)
		assert.Equal(t, "two", msgs[1].Content)
		assert.Equal(t, "three", msgs[2].Content)
	})

	t.Run("unread counts and mark read", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob := newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := db.AppendMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: "ping"})
			require.NoError(t, err)
		}
		_, err = db.AppendMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: bob, Content: "pong"})
		require.NoError(t, err)

		unread := func(user string) int64 {
			list, err := db.ListConversationsForUser(ctx, user)
			require.NoError(t, err)
			require.Len(t, list, 1)
			return list[0].UnreadCount
		}
		assert.Equal(t, int64(3), unread(bob))
		assert.Equal(t, int64(1), unread(alice))

		n, err := db.MarkRead(ctx, conv.ID, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, int64(0), unread(bob))
		assert.Equal(t, int64(1), unread(alice))

		n, err = db.MarkRead(ctx, conv.ID, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("mark single message read", func(t *testing.T) {
		db, missing := factory(t)
		alice, bob := newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)
		msg, err := db.AppendMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: "hello"})
		require.NoError(t, err)

		_, err = db.MarkMessageRead(ctx, msg.ID, alice)
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = db.MarkMessageRead(ctx, missing, bob)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.MarkMessageRead(ctx, "garbage", bob)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		read, err := db.MarkMessageRead(ctx, msg.ID, bob)
		require.NoError(t, err)
		assert.True(t, read.IsRead)
	})

	t.Run("conversation list is newest first", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob, carol := newUser(), newUser(), newUser()
		withBob, err := db.FindOrCreateConversation(ctx, alice, bob, "")
		require.NoError(t, err)
		withCarol, err := db.FindOrCreateConversation(ctx, alice, carol, "")
		require.NoError(t, err)

		_, err = db.AppendMessage(ctx, models.NewMessage{ConversationID: withCarol.ID, SenderID: carol, Content: "first"})
		require.NoError(t, err)
		// Stores keep millisecond timestamps at worst.
		time.Sleep(5 * time.Millisecond)
		_, err = db.AppendMessage(ctx, models.NewMessage{ConversationID: withBob.ID, SenderID: bob, Content: "second"})
		require.NoError(t, err)

		list, err := db.ListConversationsForUser(ctx, alice)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, withBob.ID, list[0].ID)
		assert.Equal(t, withCarol.ID, list[1].ID)

		list, err = db.ListConversationsForUser(ctx, newUser())
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("deactivate hides conversation and frees the pair", func(t *testing.T) {
		db, _ := factory(t)
		alice, bob, carol := newUser(), newUser(), newUser()
		conv, err := db.FindOrCreateConversation(ctx, alice, bob, "listing")
		require.NoError(t, err)

		err = db.DeactivateConversation(ctx, conv.ID, carol)
		assert.ErrorIs(t, err, ErrForbidden)

		require.NoError(t, db.DeactivateConversation(ctx, conv.ID, alice))
		require.NoError(t, db.DeactivateConversation(ctx, conv.ID, bob))

		list, err := db.ListConversationsForUser(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, list)

		_, err = db.AppendMessage(ctx, models.NewMessage{ConversationID: conv.ID, SenderID: alice, Content: "hello?"})
		assert.ErrorIs(t, err, ErrNotFound)

		fresh, err := db.FindOrCreateConversation(ctx, alice, bob, "listing")
		require.NoError(t, err)
		assert.NotEqual(t, conv.ID, fresh.ID)
		assert.True(t, fresh.IsActive)
	})

	t.Run("lookups on unknown ids", func(t *testing.T) {
		db, missing := factory(t)

		_, err := db.GetConversation(ctx, missing)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.ListMessages(ctx, missing)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.MarkRead(ctx, missing, newUser())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.GetConversation(ctx, "nope")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}
