package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"vibez/internal/id"
	"vibez/internal/message"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, client_correlation_id, kind, content,
	file, reply_to, status, deleted, reactions, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (message.Message, error) {
	var (
		msgID, convID, senderID int64
		corr, kind, content     string
		status                  string
		file, replyTo, reacts   []byte
		deleted                 bool
		createdAt               time.Time
	)
	err := s.Scan(&msgID, &convID, &senderID, &corr, &kind, &content,
		&file, &replyTo, &status, &deleted, &reacts, &createdAt)
	if err != nil {
		return message.Message{}, err
	}

	d := message.DraftJSON{Kind: message.Kind(kind), Text: content}
	if file != nil {
		d.File = &message.File{}
		if err := json.Unmarshal(file, d.File); err != nil {
			return message.Message{}, fmt.Errorf("message %d file: %w", msgID, err)
		}
	}
	if replyTo != nil {
		d.ReplyTo = &message.ReplyRef{}
		if err := json.Unmarshal(replyTo, d.ReplyTo); err != nil {
			return message.Message{}, fmt.Errorf("message %d reply: %w", msgID, err)
		}
	}
	c, err := d.Content()
	if err != nil {
		return message.Message{}, fmt.Errorf("message %d: %w", msgID, err)
	}
	var reactions []message.Reaction
	if len(reacts) > 0 {
		if err := json.Unmarshal(reacts, &reactions); err != nil {
			return message.Message{}, fmt.Errorf("message %d reactions: %w", msgID, err)
		}
	}
	return message.Message{
		ID:             formatID(msgID),
		CorrelationID:  corr,
		ConversationID: formatID(convID),
		SenderID:       formatID(senderID),
		Content:        c,
		Timestamp:      createdAt,
		Status:         message.Status(status),
		Deleted:        deleted,
		Reactions:      reactions,
		Cursor:         EncodeCursor(msgID),
	}, nil
}

func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	defer rows.Close()
	msgs := []message.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// jsonArg encodes v for a JSONB column.
func jsonArg(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isParticipant(ctx context.Context, q querier, convID, userID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2`, convID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repository) IsParticipant(ctx context.Context, convID, userID int64) (bool, error) {
	return isParticipant(ctx, r.db, convID, userID)
}

// SaveMessage stores the message and the conversation summary in one
// transaction. A repeated correlation id returns the stored record with
// created=false instead of writing twice.
func (r *Repository) SaveMessage(ctx context.Context, convID, senderID int64, d message.Draft) (m message.Message, created bool, err error) {
	dj, err := message.EncodeDraft(d)
	if err != nil {
		return m, false, err
	}
	msgID := id.NewInt()
	if dj.CorrelationID == "" {
		dj.CorrelationID = formatID(msgID)
	}
	var fileArg, replyArg any
	if dj.File != nil {
		if fileArg, err = jsonArg(dj.File); err != nil {
			return m, false, err
		}
	}
	if dj.ReplyTo != nil {
		if replyArg, err = jsonArg(dj.ReplyTo); err != nil {
			return m, false, err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return m, false, err
	}
	defer tx.Rollback()

	ok, err := isParticipant(ctx, tx, convID, senderID)
	if err != nil {
		return m, false, err
	}
	if !ok {
		return m, false, ErrNotParticipant
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, client_correlation_id, kind, content, file, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, client_correlation_id) DO NOTHING
		RETURNING `+messageColumns,
		msgID, convID, senderID, dj.CorrelationID, string(dj.Kind), dj.Text, fileArg, replyArg)
	m, err = scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		row = tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND client_correlation_id = $2`,
			convID, dj.CorrelationID)
		m, err = scanMessage(row)
		return m, false, err
	}
	if err != nil {
		return m, false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_text = $2, last_message_sender = $3, last_message_at = $4
		WHERE id = $1`,
		convID, d.Content.Summary(), senderID, m.Timestamp)
	if err != nil {
		return m, false, err
	}
	if err := tx.Commit(); err != nil {
		return m, false, err
	}
	return m, true, nil
}

// Page returns up to limit messages older than before (0 = newest), newest first.
func (r *Repository) Page(ctx context.Context, convID, before int64, limit int) ([]message.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == 0 {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2`,
			convID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`,
			convID, before, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Since returns messages newer than after, oldest first.
func (r *Repository) Since(ctx context.Context, convID, after int64, limit int) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		convID, after, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (r *Repository) ToggleReaction(ctx context.Context, convID, msgID, userID int64, emoji string) (message.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, err
	}
	defer tx.Rollback()

	var (
		raw     []byte
		deleted bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT reactions, deleted FROM messages WHERE id = $1 AND conversation_id = $2 FOR UPDATE`,
		msgID, convID).Scan(&raw, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	if deleted {
		return message.Message{}, ErrMessageDeleted
	}

	var reactions []message.Reaction
	if err := json.Unmarshal(raw, &reactions); err != nil {
		return message.Message{}, err
	}
	reactions = message.ToggleReaction(reactions, emoji, formatID(userID))
	arg, err := jsonArg(reactions)
	if err != nil {
		return message.Message{}, err
	}
	m, err := scanMessage(tx.QueryRowContext(ctx,
		`UPDATE messages SET reactions = $2 WHERE id = $1 RETURNING `+messageColumns, msgID, arg))
	if err != nil {
		return message.Message{}, err
	}
	return m, tx.Commit()
}

// Tombstone blanks a message the user sent. If it was the conversation's
// last message the summary shows the deletion too.
func (r *Repository) Tombstone(ctx context.Context, convID, msgID, userID int64) (message.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, err
	}
	defer tx.Rollback()

	var sender int64
	err = tx.QueryRowContext(ctx,
		`SELECT sender_id FROM messages WHERE id = $1 AND conversation_id = $2 FOR UPDATE`,
		msgID, convID).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	if sender != userID {
		return message.Message{}, ErrForbidden
	}

	m, err := scanMessage(tx.QueryRowContext(ctx, `
		UPDATE messages
		SET deleted = true, kind = 'text', content = $2, file = NULL, reply_to = NULL, reactions = '[]'
		WHERE id = $1
		RETURNING `+messageColumns, msgID, message.DeletedText))
	if err != nil {
		return message.Message{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_text = $2
		WHERE id = $1 AND last_message_sender = $3 AND last_message_at = $4`,
		convID, message.DeletedText, userID, m.Timestamp)
	if err != nil {
		return message.Message{}, err
	}
	return m, tx.Commit()
}

// Clear deletes every message of the conversation and returns what was
// removed so watchers can be told.
func (r *Repository) Clear(ctx context.Context, convID int64) ([]message.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1 RETURNING id, client_correlation_id`, convID)
	if err != nil {
		return nil, err
	}
	var removed []message.Message
	for rows.Next() {
		var (
			msgID int64
			corr  string
		)
		if err := rows.Scan(&msgID, &corr); err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, message.Message{ID: formatID(msgID), CorrelationID: corr, ConversationID: formatID(convID)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_text = NULL, last_message_sender = NULL, last_message_at = NULL
		WHERE id = $1`, convID)
	if err != nil {
		return nil, err
	}
	return removed, tx.Commit()
}

func (r *Repository) MarkRead(ctx context.Context, convID, userID int64) error {
	return r.updateParticipant(ctx,
		`UPDATE participants SET last_read_at = now() WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID)
}

func (r *Repository) SetTyping(ctx context.Context, convID, userID int64, typing bool) error {
	return r.updateParticipant(ctx,
		`UPDATE participants SET typing = $3 WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID, typing)
}

// actionQueries change the caller's own participant row.
var actionQueries = map[message.Action]string{
	message.ToggleFavorite: `UPDATE participants SET favorite = NOT favorite WHERE conversation_id = $1 AND user_id = $2`,
	message.Archive:        `UPDATE participants SET archived = true WHERE conversation_id = $1 AND user_id = $2`,
	message.Unarchive:      `UPDATE participants SET archived = false WHERE conversation_id = $1 AND user_id = $2`,
	message.ToggleMute:     `UPDATE participants SET muted = NOT muted WHERE conversation_id = $1 AND user_id = $2`,
}

func (r *Repository) ApplyAction(ctx context.Context, convID, userID int64, a message.Action) error {
	query, ok := actionQueries[a]
	if !ok {
		return ErrInvalidRequest
	}
	return r.updateParticipant(ctx, query, convID, userID)
}

func (r *Repository) updateParticipant(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotParticipant
	}
	return nil
}

const conversationQuery = `
	SELECT c.id, c.type, c.name, c.created_by, c.last_message_text, c.last_message_sender, c.last_message_at,
	       p.favorite, p.archived, p.muted,
	       p2.user_id, u.username, p2.last_read_at, p2.typing
	FROM participants p
	JOIN conversations c ON c.id = p.conversation_id
	JOIN participants p2 ON p2.conversation_id = c.id
	JOIN users u ON u.id = p2.user_id
	WHERE p.user_id = $1 %s
	ORDER BY c.last_message_at DESC NULLS LAST, c.id, p2.joined_at, p2.user_id`

// Conversations lists the user's conversations, most recently active first.
func (r *Repository) Conversations(ctx context.Context, userID int64) ([]ConversationView, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(conversationQuery, ""), userID)
	if err != nil {
		return nil, err
	}
	return scanConversations(rows)
}

// Conversation returns one conversation as seen by userID.
func (r *Repository) Conversation(ctx context.Context, convID, userID int64) (ConversationView, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(conversationQuery, "AND c.id = $2"), userID, convID)
	if err != nil {
		return ConversationView{}, err
	}
	views, err := scanConversations(rows)
	if err != nil {
		return ConversationView{}, err
	}
	if len(views) == 0 {
		ok, err := r.conversationExists(ctx, convID)
		if err != nil {
			return ConversationView{}, err
		}
		if ok {
			return ConversationView{}, ErrNotParticipant
		}
		return ConversationView{}, ErrConversationGone
	}
	return views[0], nil
}

func (r *Repository) conversationExists(ctx context.Context, convID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1`, convID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func scanConversations(rows *sql.Rows) ([]ConversationView, error) {
	defer rows.Close()
	views := []ConversationView{}
	index := make(map[int64]int)
	for rows.Next() {
		var (
			convID, memberID int64
			kind, name       string
			username         string
			createdBy        sql.NullInt64
			lastText         sql.NullString
			lastSender       sql.NullInt64
			lastAt           sql.NullTime
			lastRead         sql.NullTime
			typing           bool
			prefs            message.Preferences
		)
		err := rows.Scan(&convID, &kind, &name, &createdBy, &lastText, &lastSender, &lastAt,
			&prefs.Favorite, &prefs.Archived, &prefs.Muted,
			&memberID, &username, &lastRead, &typing)
		if err != nil {
			return nil, err
		}
		i, ok := index[convID]
		if !ok {
			v := ConversationView{
				Conversation: message.Conversation{
					ID:       formatID(convID),
					Type:     message.ConversationType(kind),
					Name:     name,
					LastRead: make(map[string]time.Time),
				},
				Members:     make(map[string]string),
				Preferences: prefs,
			}
			if createdBy.Valid {
				v.CreatedBy = formatID(createdBy.Int64)
			}
			if lastAt.Valid {
				v.LastMessage = &message.LastMessage{
					Text:      lastText.String,
					SenderID:  formatID(lastSender.Int64),
					Timestamp: lastAt.Time,
				}
			}
			views = append(views, v)
			i = len(views) - 1
			index[convID] = i
		}
		v := &views[i]
		member := formatID(memberID)
		v.Participants = append(v.Participants, member)
		v.Members[member] = username
		if lastRead.Valid {
			v.LastRead[member] = lastRead.Time
		}
		if typing {
			v.Typing = append(v.Typing, member)
		}
	}
	return views, rows.Err()
}

// FindOrCreatePrivate returns the private conversation between a and b,
// creating it if needed.
func (r *Repository) FindOrCreatePrivate(ctx context.Context, a, b int64) (int64, bool, error) {
	if a == b {
		return 0, false, ErrInvalidRequest
	}
	var convID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p1 ON p1.conversation_id = c.id AND p1.user_id = $1
		JOIN participants p2 ON p2.conversation_id = c.id AND p2.user_id = $2
		WHERE c.type = 'private'
		LIMIT 1`, a, b).Scan(&convID)
	if err == nil {
		return convID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	convID, err = r.create(ctx, "private", "", a, []int64{a, b})
	return convID, err == nil, err
}

func (r *Repository) CreateGroup(ctx context.Context, creator int64, name string, members []int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrInvalidRequest
	}
	all := []int64{creator}
	for _, m := range members {
		if m != creator {
			all = append(all, m)
		}
	}
	if len(all) < 2 {
		return 0, ErrInvalidRequest
	}
	return r.create(ctx, "group", name, creator, all)
}

func (r *Repository) create(ctx context.Context, kind, name string, creator int64, members []int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	convID := id.NewInt()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, type, name, created_by) VALUES ($1, $2, $3, $4)`,
		convID, kind, name, creator); err != nil {
		return 0, err
	}
	for _, m := range members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			convID, m)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return 0, fmt.Errorf("%w: %s", ErrUnknownUser, strconv.FormatInt(m, 10))
			}
			return 0, err
		}
	}
	return convID, tx.Commit()
}
