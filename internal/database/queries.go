package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
)

const (
	accountColumns = "id, username, email, role, state, ai_usage_total, created_at, updated_at"
	roomColumns    = "id, external_id, name, description, visibility, capacity, assistant_enabled, model, owner_id, active, seq_id, created_at, updated_at"

	createMembershipQuery = "INSERT INTO memberships (account_id, room_id, role, joined_at) VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (account_id, room_id) DO NOTHING RETURNING id, account_id, room_id, role, joined_at"
	getMembershipQuery = "SELECT id, account_id, room_id, role, joined_at FROM memberships " +
		"WHERE account_id = $1 AND room_id = $2 LIMIT 1"
	deleteMembershipQuery = "DELETE FROM memberships WHERE account_id = $1 AND room_id = $2 AND role <> $3"
	lockRoomQuery         = "SELECT capacity FROM rooms WHERE id = $1 FOR UPDATE"
	countMembersQuery     = "SELECT count(*) FROM memberships WHERE room_id = $1"
	// nextSeqQuery allocates the room's next sequence id and creation time
	// under the room row lock. The time never goes below the previous
	// message's.
	nextSeqQuery = "UPDATE rooms SET seq_id = seq_id + 1, " +
		"last_message_at = GREATEST(last_message_at, date_trunc('milliseconds', clock_timestamp())), " +
		"updated_at = clock_timestamp() WHERE id = $1 AND active RETURNING seq_id, last_message_at"
	insertMessageQuery = "INSERT INTO messages (seq_id, room_id, user_id, content, kind, origin, model, prompt_tokens, completion_tokens, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id"
	chargeUsageQuery = "UPDATE accounts SET ai_usage_total = ai_usage_total + 1 WHERE id = $1"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner, extra ...any) (User, error) {
	var u User
	dest := append([]any{
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Role,
		&u.State,
		&u.AIUsageTotal,
		&u.CreatedAt,
		&u.UpdatedAt,
	}, extra...)
	err := row.Scan(dest...)
	return u, err
}

func scanRoom(row scanner) (Room, error) {
	var r Room
	err := row.Scan(
		&r.Id,
		&r.ExternalId,
		&r.Name,
		&r.Description,
		&r.Visibility,
		&r.Capacity,
		&r.AssistantEnabled,
		&r.Model,
		&r.OwnerId,
		&r.Active,
		&r.SeqId,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func (db *PgGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING "+accountColumns,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
		now,
	)

	u, err := scanAccount(row)
	return u, duplicate(err, "email address already registered")
}

func (db *PgGoChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING "+accountColumns,
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	u, err := scanAccount(row)
	return u, notFound(err)
}

func (db *PgGoChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	u, err := scanAccount(row)
	return u, notFound(err)
}

func (db *PgGoChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+", password_hash FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	var passwordHash string
	u, err := scanAccount(row, &passwordHash)
	u.PasswordHash = passwordHash
	return u, notFound(err)
}

func (db *PgGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (room Room, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		"INSERT INTO rooms (name, external_id, description, visibility, capacity, assistant_enabled, model, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+roomColumns,
		params.Name,
		params.ExternalId,
		params.Description,
		params.Visibility,
		params.Capacity,
		params.AssistantEnabled,
		params.Model,
		params.OwnerId,
		now,
		now,
	)

	room, err = scanRoom(row)
	if err != nil {
		return Room{}, err
	}

	if _, err = tx.ExecContext(ctx, createMembershipQuery, params.OwnerId, room.Id, types.MemberOwner, now); err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgGoChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	room, err := scanRoom(row)
	return room, notFound(err)
}

func (db *PgGoChatRepository) DeactivateRoom(ctx context.Context, roomId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE rooms SET active = FALSE, updated_at = $2 WHERE id = $1",
		roomId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}

	return nil
}

func (db *PgGoChatRepository) GetMembership(ctx context.Context, accountId, roomId int) (Membership, error) {
	var m Membership
	err := db.conn.QueryRowContext(ctx, getMembershipQuery, accountId, roomId).Scan(
		&m.Id,
		&m.AccountId,
		&m.RoomId,
		&m.Role,
		&m.JoinedAt,
	)

	return m, notFound(err)
}

func (db *PgGoChatRepository) ListMemberships(ctx context.Context, accountId int) ([]Membership, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.account_id, m.room_id, m.role, m.joined_at, "+
			"r.id, r.external_id, r.name, r.description, r.visibility, r.capacity, r.assistant_enabled, "+
			"r.model, r.owner_id, r.active, r.seq_id, r.created_at, r.updated_at "+
			"FROM memberships m JOIN rooms r ON r.id = m.room_id "+
			"WHERE m.account_id = $1 AND r.active ORDER BY m.joined_at",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(
			&m.Id,
			&m.AccountId,
			&m.RoomId,
			&m.Role,
			&m.JoinedAt,
			&m.Room.Id,
			&m.Room.ExternalId,
			&m.Room.Name,
			&m.Room.Description,
			&m.Room.Visibility,
			&m.Room.Capacity,
			&m.Room.AssistantEnabled,
			&m.Room.Model,
			&m.Room.OwnerId,
			&m.Room.Active,
			&m.Room.SeqId,
			&m.Room.CreatedAt,
			&m.Room.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}

		memberships = append(memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return memberships, nil
}

// CreateMembership adds accountId to the room. The room row is locked so
// concurrent joins cannot overshoot the capacity; a capacity of zero means
// unlimited. An existing membership is returned unchanged.
func (db *PgGoChatRepository) CreateMembership(ctx context.Context, accountId, roomId int, role types.MemberRole) (m Membership, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Membership{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var capacity int
	if err = tx.QueryRowContext(ctx, lockRoomQuery, roomId).Scan(&capacity); err != nil {
		return Membership{}, notFound(err)
	}

	err = tx.QueryRowContext(ctx, getMembershipQuery, accountId, roomId).Scan(
		&m.Id, &m.AccountId, &m.RoomId, &m.Role, &m.JoinedAt,
	)
	if err == nil {
		return m, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Membership{}, err
	}

	if capacity > 0 {
		var count int
		if err = tx.QueryRowContext(ctx, countMembersQuery, roomId).Scan(&count); err != nil {
			return Membership{}, err
		}
		if count >= capacity {
			err = errs.ErrRoomFull
			return Membership{}, err
		}
	}

	err = tx.QueryRowContext(ctx, createMembershipQuery, accountId, roomId, role, time.Now().UTC()).Scan(
		&m.Id, &m.AccountId, &m.RoomId, &m.Role, &m.JoinedAt,
	)
	if err != nil {
		return Membership{}, err
	}

	if err = tx.Commit(); err != nil {
		return Membership{}, err
	}

	return m, nil
}

// DeleteMembership removes a non-owner membership in a single statement.
func (db *PgGoChatRepository) DeleteMembership(ctx context.Context, accountId, roomId int) error {
	res, err := db.conn.ExecContext(ctx, deleteMembershipQuery, accountId, roomId, types.MemberOwner)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	m, err := db.GetMembership(ctx, accountId, roomId)
	if err != nil {
		return err
	}
	if m.Role == types.MemberOwner {
		return errs.ErrOwnerCannotLeave
	}

	return errs.ErrNotFound
}

// CreateMessage allocates the room's next sequence id and inserts the
// message in one transaction. The sequence update locks the room row, so
// concurrent writers to a room are serialized by the database.
func (db *PgGoChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (msg Message, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var (
		seqId     int
		createdAt time.Time
	)
	if err = tx.QueryRowContext(ctx, nextSeqQuery, params.RoomId).Scan(&seqId, &createdAt); err != nil {
		err = notFound(err)
		return Message{}, err
	}

	var userId sql.NullInt64
	if params.UserId != nil {
		userId = sql.NullInt64{Int64: int64(*params.UserId), Valid: true}
	}

	var id int
	if err = tx.QueryRowContext(ctx, insertMessageQuery,
		seqId,
		params.RoomId,
		userId,
		params.Content,
		params.Kind,
		params.Origin,
		params.Model,
		params.PromptTokens,
		params.CompletionTokens,
		createdAt,
	).Scan(&id); err != nil {
		return Message{}, err
	}

	if params.ChargeAccountId > 0 {
		if _, err = tx.ExecContext(ctx, chargeUsageQuery, params.ChargeAccountId); err != nil {
			return Message{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return Message{
		Id:               id,
		SeqId:            seqId,
		RoomId:           params.RoomId,
		UserId:           params.UserId,
		Content:          params.Content,
		Kind:             params.Kind,
		Origin:           params.Origin,
		Model:            params.Model,
		PromptTokens:     params.PromptTokens,
		CompletionTokens: params.CompletionTokens,
		CreatedAt:        createdAt.UTC(),
	}, nil
}

func (db *PgGoChatRepository) GetMessages(ctx context.Context, roomId, since, before, limit int) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 0
	if before > 0 {
		upper = before - 1
	}

	if since > 0 {
		lower = since
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, seq_id, room_id, user_id, content, kind, origin, model, prompt_tokens, completion_tokens, edited_at, created_at "+
			"FROM messages WHERE room_id = $1 AND seq_id BETWEEN $2 AND $3 ORDER BY seq_id DESC LIMIT $4",
		roomId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg      Message
			userId   sql.NullInt64
			editedAt sql.NullTime
		)
		if err := rows.Scan(
			&msg.Id,
			&msg.SeqId,
			&msg.RoomId,
			&userId,
			&msg.Content,
			&msg.Kind,
			&msg.Origin,
			&msg.Model,
			&msg.PromptTokens,
			&msg.CompletionTokens,
			&editedAt,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		if userId.Valid {
			id := int(userId.Int64)
			msg.UserId = &id
		}
		if editedAt.Valid {
			msg.EditedAt = &editedAt.Time
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}
