package database

import (
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100

	conversationColumns = "c.id, c.last_text, c.last_sender, c.last_has_image, c.last_has_gif, c.last_seen, " +
		"c.created_at, c.updated_at, array_agg(p.user_id ORDER BY p.user_id)"

	selectConversationQuery = "SELECT " + conversationColumns + " FROM conversations c " +
		"JOIN conversation_participants p ON p.conversation_id = c.id " +
		"WHERE c.id = $1 GROUP BY c.id"

	updateLastMessageQuery = "UPDATE conversations SET last_text = $2, last_sender = $3, last_has_image = $4, " +
		"last_has_gif = $5, last_seen = $6, updated_at = $7 WHERE id = $1"
)

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func scanConversation(row interface{ Scan(...any) error }, extra ...any) (Conversation, error) {
	var c Conversation
	dest := []any{
		&c.Id,
		&c.LastText,
		&c.LastSender,
		&c.LastHasImage,
		&c.LastHasGif,
		&c.LastSeen,
		&c.CreatedAt,
		&c.UpdatedAt,
		pq.Array(&c.Participants),
	}
	if len(extra) > 0 {
		dest = append(dest, &c.UnreadCount)
	}

	err := row.Scan(dest...)
	return c, err
}

func getConversation(q queryRower, id string) (Conversation, error) {
	return scanConversation(q.QueryRow(selectConversationQuery, id))
}

// pairKey identifies the conversation between two users regardless of order.
func pairKey(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return fmt.Sprintf("%d:%s%s", len(pair[0]), pair[0], pair[1])
}

func rollback(tx *sql.Tx, err *error) {
	if *err != nil {
		tx.Rollback()
	}
}

func (db *PgThreadsRepository) CreateConversation(params CreateConversationParams) (conv Conversation, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer rollback(tx, &err)

	now := time.Now().UTC()
	_, err = tx.Exec(
		"INSERT INTO conversations (id, pair_key, created_at, updated_at) VALUES ($1, $2, $3, $4)",
		params.Id,
		pairKey(params.Participants[0], params.Participants[1]),
		now,
		now,
	)
	if err != nil {
		return Conversation{}, err
	}

	for _, userId := range params.Participants {
		_, err = tx.Exec(
			"INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)",
			params.Id,
			userId,
		)
		if err != nil {
			return Conversation{}, err
		}
	}

	conv, err = getConversation(tx, params.Id)
	if err != nil {
		return Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgThreadsRepository) GetConversation(id string) (Conversation, error) {
	return getConversation(db.conn, id)
}

func (db *PgThreadsRepository) GetConversationByParticipants(userA, userB string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT "+conversationColumns+" FROM conversations c "+
			"JOIN conversation_participants p ON p.conversation_id = c.id "+
			"WHERE c.pair_key = $1 GROUP BY c.id",
		pairKey(userA, userB),
	)

	return scanConversation(row)
}

func (db *PgThreadsRepository) ListConversations(userId string) ([]Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT "+conversationColumns+", me.unread_count FROM conversations c "+
			"JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = $1 "+
			"JOIN conversation_participants p ON p.conversation_id = c.id "+
			"GROUP BY c.id, me.unread_count ORDER BY c.updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		convs = append(convs, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return convs, nil
}

// CreateMessage appends msg and updates the conversation's last message in
// one transaction.
func (db *PgThreadsRepository) CreateMessage(msg Message) (conv Conversation, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer rollback(tx, &err)

	_, err = tx.Exec(
		"INSERT INTO messages (id, conversation_id, sender_id, text, img, gif, seen, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		msg.Id,
		msg.ConversationId,
		msg.SenderId,
		msg.Text,
		msg.Img,
		msg.Gif,
		false,
		msg.CreatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	_, err = tx.Exec(
		updateLastMessageQuery,
		msg.ConversationId,
		msg.Text,
		msg.SenderId,
		msg.Img != "",
		msg.Gif != "",
		false,
		msg.CreatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	conv, err = getConversation(tx, msg.ConversationId)
	if err != nil {
		return Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgThreadsRepository) GetMessage(id string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, conversation_id, sender_id, text, img, gif, seen, created_at FROM messages "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.Text,
		&msg.Img,
		&msg.Gif,
		&msg.Seen,
		&msg.CreatedAt,
	)

	return msg, err
}

// GetMessages returns up to limit messages older than before (unix
// milliseconds, 0 for no bound), newest first.
func (db *PgThreadsRepository) GetMessages(conversationId string, before int64, limit int) ([]Message, error) {
	upper := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if before > 0 {
		upper = time.UnixMilli(before).UTC()
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}
	limit = min(limit, maxMessageLimit)

	rows, err := db.conn.Query(
		"SELECT id, conversation_id, sender_id, text, img, gif, seen, created_at FROM messages "+
			"WHERE conversation_id = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3",
		conversationId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.SenderId,
			&msg.Text,
			&msg.Img,
			&msg.Gif,
			&msg.Seen,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkMessagesSeen marks every unseen message the reader received in the
// conversation as seen and flags the last message seen if the reader did
// not send it.
func (db *PgThreadsRepository) MarkMessagesSeen(conversationId, readerId string) (conv Conversation, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer rollback(tx, &err)

	_, err = tx.Exec(
		"UPDATE messages SET seen = TRUE WHERE conversation_id = $1 AND sender_id <> $2 AND NOT seen",
		conversationId,
		readerId,
	)
	if err != nil {
		return Conversation{}, err
	}

	_, err = tx.Exec(
		"UPDATE conversations SET last_seen = TRUE "+
			"WHERE id = $1 AND last_sender <> $2 AND last_sender <> ''",
		conversationId,
		readerId,
	)
	if err != nil {
		return Conversation{}, err
	}

	conv, err = getConversation(tx, conversationId)
	if err != nil {
		return Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

// DeleteMessage removes the message and recomputes the conversation's last
// message from the most recent remaining one, or the empty placeholder.
func (db *PgThreadsRepository) DeleteMessage(id string) (conv Conversation, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer rollback(tx, &err)

	var conversationId string
	err = tx.QueryRow("DELETE FROM messages WHERE id = $1 RETURNING conversation_id", id).Scan(&conversationId)
	if err != nil {
		return Conversation{}, err
	}

	var last Message
	err = tx.QueryRow(
		"SELECT sender_id, text, img, gif, seen, created_at FROM messages "+
			"WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1",
		conversationId,
	).Scan(&last.SenderId, &last.Text, &last.Img, &last.Gif, &last.Seen, &last.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		last = Message{CreatedAt: time.Now().UTC()}
	case err != nil:
		return Conversation{}, err
	}

	_, err = tx.Exec(
		updateLastMessageQuery,
		conversationId,
		last.Text,
		last.SenderId,
		last.Img != "",
		last.Gif != "",
		last.Seen,
		time.Now().UTC(),
	)
	if err != nil {
		return Conversation{}, err
	}

	conv, err = getConversation(tx, conversationId)
	if err != nil {
		return Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

// DeleteConversation deletes every message of the conversation and then the
// conversation itself. The deleted messages are returned so the caller can
// release the media they reference.
func (db *PgThreadsRepository) DeleteConversation(id string) (deleted []Message, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer rollback(tx, &err)

	rows, err := tx.Query(
		"DELETE FROM messages WHERE conversation_id = $1 "+
			"RETURNING id, conversation_id, sender_id, text, img, gif, seen, created_at",
		id,
	)
	if err != nil {
		return nil, err
	}

	deleted = make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.SenderId,
			&msg.Text,
			&msg.Img,
			&msg.Gif,
			&msg.Seen,
			&msg.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		deleted = append(deleted, msg)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	_, err = tx.Exec("DELETE FROM conversation_participants WHERE conversation_id = $1", id)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec("DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		err = sql.ErrNoRows
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return deleted, nil
}

func (db *PgThreadsRepository) IncrementUnread(conversationId, userId string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"UPDATE conversation_participants SET unread_count = unread_count + 1 "+
			"WHERE conversation_id = $1 AND user_id = $2 RETURNING unread_count",
		conversationId,
		userId,
	).Scan(&count)

	return count, err
}

func (db *PgThreadsRepository) ResetUnread(conversationId, userId string) error {
	res, err := db.conn.Exec(
		"UPDATE conversation_participants SET unread_count = 0 WHERE conversation_id = $1 AND user_id = $2",
		conversationId,
		userId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}
