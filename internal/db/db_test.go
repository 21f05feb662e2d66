package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salonchat/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func seed(t *testing.T, database *DB) (artist, client *models.User, conv *models.ConversationSummary) {
	t.Helper()
	artist, err := database.CreateUser("ink", "hash", "Ines", "Kahl", "ARTIST")
	require.NoError(t, err)
	client, err = database.CreateUser("mara", "hash", "Mara", "", "")
	require.NoError(t, err)
	conv, err = database.CreateConversation("Sleeve consult", []string{artist.ID, client.ID})
	require.NoError(t, err)
	return artist, client, conv
}

func TestUsers(t *testing.T) {
	database := newTestDB(t)

	user, err := database.CreateUser("mara", "hash", "Mara", "Lind", "")
	require.NoError(t, err)
	assert.Equal(t, "CLIENT", user.Role)
	assert.NotEmpty(t, user.ID)

	byName, err := database.GetUserByUsername("mara")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)
	assert.Equal(t, "hash", byName.Password)

	_, err = database.CreateUser("mara", "other", "", "", "")
	assert.Error(t, err)

	_, err = database.GetUserByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesNewestFirst(t *testing.T) {
	database := newTestDB(t)
	artist, client, conv := seed(t, database)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"hi", "design attached", "looks great"} {
		sender := artist.ID
		if i%2 == 1 {
			sender = client.ID
		}
		_, err := database.SaveMessage(&models.Message{
			ConversationID: conv.ID,
			SenderID:       sender,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	page, err := database.GetConversationMessages(conv.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "looks great", page[0].Content)
	assert.Equal(t, "design attached", page[1].Content)
	assert.Equal(t, "Mara", page[1].Sender.FirstName)
	assert.Equal(t, models.MessageTypeUser, page[0].Type)

	rest, err := database.GetConversationMessages(conv.ID, 50, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "hi", rest[0].Content)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	database := newTestDB(t)
	artist, _, conv := seed(t, database)

	saved, err := database.SaveMessage(&models.Message{
		ConversationID: conv.ID,
		SenderID:       artist.ID,
		Content:        "sketch",
		Attachments:    []models.Attachment{{ID: "a1", URL: "https://cdn.example/a1.png", Name: "a1.png", Size: 2048, Type: "image/png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ines Kahl", saved.Sender.DisplayName())

	got, err := database.GetMessage(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.Attachments, got.Attachments)
	assert.Nil(t, got.ReadAt)
}

func TestUnreadAccounting(t *testing.T) {
	database := newTestDB(t)
	artist, client, conv := seed(t, database)

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		m, err := database.SaveMessage(&models.Message{ConversationID: conv.ID, SenderID: artist.ID, Content: content})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	n, err := database.CountUnread(client.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = database.CountUnread(artist.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "own messages are never unread")

	// the sender cannot mark their own message
	_, changed, err := database.MarkMessageRead(ids[0], artist.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	msg, changed, err := database.MarkMessageRead(ids[0], client.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, msg.IsRead)
	require.NotNil(t, msg.ReadAt)

	_, changed, err = database.MarkMessageRead(ids[0], client.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	n, err = database.CountConversationUnread(conv.ID, client.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	convs, err := database.GetUserConversations(client.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.NotNil(t, convs[0].LastMessageAt)

	marked, _, err := database.MarkConversationRead(conv.ID, client.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[1:], marked)

	n, err = database.CountUnread(client.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	database := newTestDB(t)
	artist, _, conv := seed(t, database)
	outsider, err := database.CreateUser("walk-in", "hash", "", "", "")
	require.NoError(t, err)

	m, err := database.SaveMessage(&models.Message{ConversationID: conv.ID, SenderID: artist.ID, Content: "private"})
	require.NoError(t, err)

	_, _, err = database.MarkMessageRead(m.ID, outsider.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)

	ok, err := database.IsParticipant(conv.ID, outsider.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := database.GetConversationParticipantIDs(conv.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
