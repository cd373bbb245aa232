package store

import (
    "context"
    "database/sql"
    "embed"
    "errors"
    "fmt"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"
    "github.com/pressly/goose/v3"

    "ticketdesk/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
    goose.SetBaseFS(migrationsFS)
    defer goose.SetBaseFS(nil)
    if err := goose.SetDialect("postgres"); err != nil {
        return err
    }
    if err := goose.UpContext(ctx, p.db, "migrations"); err != nil {
        return fmt.Errorf("goose up: %w", err)
    }
    return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

func (p *Postgres) GetUser(ctx context.Context, id int64) (model.User, error) {
    var u model.User
    var role string
    err := p.db.QueryRowContext(ctx, `SELECT id, username, display_name, email, role, is_active, created_at FROM users WHERE id=$1`, id).
        Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &role, &u.IsActive, &u.CreatedAt)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.User{}, ErrNotFound }
        return model.User{}, err
    }
    u.Role = model.Role(role)
    return u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
    if u.CreatedAt.IsZero() { u.CreatedAt = time.Now().UTC() }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.User{}, err }
    defer func(){ _ = tx.Rollback() }()
    if u.ID == 0 {
        err = tx.QueryRowContext(ctx, `INSERT INTO users (username, display_name, email, role, is_active, created_at) VALUES ($1,$2,$3,$4,$5,$6)
            ON CONFLICT (username) DO UPDATE SET display_name=EXCLUDED.display_name, email=EXCLUDED.email, role=EXCLUDED.role, is_active=EXCLUDED.is_active
            RETURNING id`, u.Username, u.DisplayName, u.Email, string(u.Role), u.IsActive, u.CreatedAt).Scan(&u.ID)
        if err != nil { return model.User{}, err }
    } else {
        _, err = tx.ExecContext(ctx, `INSERT INTO users (id, username, display_name, email, role, is_active, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (id) DO UPDATE SET username=EXCLUDED.username, display_name=EXCLUDED.display_name, email=EXCLUDED.email, role=EXCLUDED.role, is_active=EXCLUDED.is_active`,
            u.ID, u.Username, u.DisplayName, u.Email, string(u.Role), u.IsActive, u.CreatedAt)
        if err != nil { return model.User{}, err }
        // explicit ids (seed data) must not collide with later serial values
        if _, err = tx.ExecContext(ctx, `SELECT setval(pg_get_serial_sequence('users','id'), GREATEST((SELECT MAX(id) FROM users), 1))`); err != nil {
            return model.User{}, err
        }
    }
    if err := tx.Commit(); err != nil { return model.User{}, err }
    return u, nil
}

const ticketColumns = `id, subject, description, status, priority, category, created_by_user_id, assigned_to_user_id, closed_by_user_id, created_at, assigned_at, closed_at, last_activity_at, version`

type rowScanner interface {
    Scan(dest ...any) error
}

func scanTicket(row rowScanner) (model.Ticket, error) {
    var t model.Ticket
    var status, priority, category string
    var assigned, closedBy sql.NullInt64
    var assignedAt, closedAt sql.NullTime
    if err := row.Scan(&t.ID, &t.Subject, &t.Description, &status, &priority, &category, &t.CreatedByUserID,
        &assigned, &closedBy, &t.CreatedAt, &assignedAt, &closedAt, &t.LastActivityAt, &t.Version); err != nil {
        return model.Ticket{}, err
    }
    t.Status = model.TicketStatus(status)
    t.Priority = model.Priority(priority)
    t.Category = model.Category(category)
    t.AssignedToUserID = assigned.Int64
    t.ClosedByUserID = closedBy.Int64
    if assignedAt.Valid { at := assignedAt.Time; t.AssignedAt = &at }
    if closedAt.Valid { at := closedAt.Time; t.ClosedAt = &at }
    return t, nil
}

func (p *Postgres) CreateTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
    now := time.Now().UTC()
    if t.CreatedAt.IsZero() { t.CreatedAt = now }
    if t.LastActivityAt.IsZero() { t.LastActivityAt = t.CreatedAt }
    if t.Status == "" { t.Status = model.StatusOpen }
    if t.Priority == "" { t.Priority = model.PriorityNormal }
    t.Version = 1
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Ticket{}, err }
    defer func(){ _ = tx.Rollback() }()
    args := []any{t.Subject, t.Description, string(t.Status), string(t.Priority), string(t.Category), t.CreatedByUserID,
        nullIfZero(t.AssignedToUserID), nullIfZero(t.ClosedByUserID), t.CreatedAt, t.AssignedAt, t.ClosedAt, t.LastActivityAt, t.Version}
    if t.ID == 0 {
        err = tx.QueryRowContext(ctx, `INSERT INTO tickets (subject, description, status, priority, category, created_by_user_id, assigned_to_user_id, closed_by_user_id, created_at, assigned_at, closed_at, last_activity_at, version)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`, args...).Scan(&t.ID)
        if err != nil { return model.Ticket{}, err }
    } else {
        res, err := tx.ExecContext(ctx, `INSERT INTO tickets (subject, description, status, priority, category, created_by_user_id, assigned_to_user_id, closed_by_user_id, created_at, assigned_at, closed_at, last_activity_at, version, id)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) ON CONFLICT (id) DO NOTHING`, append(args, t.ID)...)
        if err != nil { return model.Ticket{}, err }
        if n, _ := res.RowsAffected(); n == 0 { return model.Ticket{}, ErrConflict }
        if _, err = tx.ExecContext(ctx, `SELECT setval(pg_get_serial_sequence('tickets','id'), GREATEST((SELECT MAX(id) FROM tickets), 1))`); err != nil {
            return model.Ticket{}, err
        }
    }
    if err := tx.Commit(); err != nil { return model.Ticket{}, err }
    return t, nil
}

func (p *Postgres) GetTicket(ctx context.Context, id int64) (model.Ticket, error) {
    t, err := scanTicket(p.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id))
    if errors.Is(err, sql.ErrNoRows) { return model.Ticket{}, ErrNotFound }
    return t, err
}

// saveTicket is a conditional update on the version column; zero affected
// rows means either a missing ticket or a lost race.
func saveTicket(ctx context.Context, tx *sql.Tx, t model.Ticket) (model.Ticket, error) {
    var version int64
    err := tx.QueryRowContext(ctx, `UPDATE tickets SET subject=$1, description=$2, status=$3, priority=$4, category=$5,
            assigned_to_user_id=$6, closed_by_user_id=$7, assigned_at=$8, closed_at=$9, last_activity_at=$10, version=version+1
        WHERE id=$11 AND version=$12 RETURNING version`,
        t.Subject, t.Description, string(t.Status), string(t.Priority), string(t.Category),
        nullIfZero(t.AssignedToUserID), nullIfZero(t.ClosedByUserID), t.AssignedAt, t.ClosedAt, t.LastActivityAt, t.ID, t.Version).Scan(&version)
    if errors.Is(err, sql.ErrNoRows) {
        var one int
        if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tickets WHERE id=$1`, t.ID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
            return model.Ticket{}, ErrNotFound
        }
        return model.Ticket{}, ErrConflict
    }
    if err != nil { return model.Ticket{}, err }
    t.Version = version
    return t, nil
}

func (p *Postgres) SaveTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Ticket{}, err }
    defer func(){ _ = tx.Rollback() }()
    saved, err := saveTicket(ctx, tx, t)
    if err != nil { return model.Ticket{}, err }
    if err := tx.Commit(); err != nil { return model.Ticket{}, err }
    return saved, nil
}

func (p *Postgres) CloseTicket(ctx context.Context, t model.Ticket) (model.Ticket, model.TicketStatistic, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Ticket{}, model.TicketStatistic{}, err }
    defer func(){ _ = tx.Rollback() }()
    saved, err := saveTicket(ctx, tx, t)
    if err != nil { return model.Ticket{}, model.TicketStatistic{}, err }
    st, err := incrementResolved(ctx, tx, t.ClosedByUserID)
    if err != nil { return model.Ticket{}, model.TicketStatistic{}, err }
    if err := tx.Commit(); err != nil { return model.Ticket{}, model.TicketStatistic{}, err }
    return saved, st, nil
}

// AssignTicket locks the assignee's user row before counting, so concurrent
// assignments to one agent queue up behind each other and each sees the
// previous commit.
func (p *Postgres) AssignTicket(ctx context.Context, t model.Ticket, maxInProgress int) (model.Ticket, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Ticket{}, err }
    defer func(){ _ = tx.Rollback() }()
    if maxInProgress > 0 {
        var id int64
        err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id=$1 FOR UPDATE`, t.AssignedToUserID).Scan(&id)
        if errors.Is(err, sql.ErrNoRows) { return model.Ticket{}, ErrNotFound }
        if err != nil { return model.Ticket{}, err }
        var n int
        if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE assigned_to_user_id=$1 AND status=$2`,
            t.AssignedToUserID, string(model.StatusInProgress)).Scan(&n); err != nil {
            return model.Ticket{}, err
        }
        if n >= maxInProgress { return model.Ticket{}, ErrLimitReached }
    }
    saved, err := saveTicket(ctx, tx, t)
    if err != nil { return model.Ticket{}, err }
    if err := tx.Commit(); err != nil { return model.Ticket{}, err }
    return saved, nil
}

func (p *Postgres) CountAssigned(ctx context.Context, userID int64, status model.TicketStatus) (int, error) {
    var n int
    err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE assigned_to_user_id=$1 AND status=$2`, userID, string(status)).Scan(&n)
    return n, err
}

func (p *Postgres) AppendMessage(ctx context.Context, msg model.Message, expectVersion int64) (model.Message, error) {
    if msg.CreatedAt.IsZero() { msg.CreatedAt = time.Now().UTC() }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Message{}, err }
    defer func(){ _ = tx.Rollback() }()
    // Row lock serializes appends per ticket so id order matches commit order.
    var version int64
    err = tx.QueryRowContext(ctx, `SELECT version FROM tickets WHERE id=$1 FOR UPDATE`, msg.TicketID).Scan(&version)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Message{}, ErrNotFound }
        return model.Message{}, err
    }
    if version != expectVersion { return model.Message{}, ErrConflict }
    err = tx.QueryRowContext(ctx, `INSERT INTO messages (ticket_id, user_id, content, created_at, is_from_support) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
        msg.TicketID, msg.UserID, msg.Content, msg.CreatedAt, msg.IsFromSupport).Scan(&msg.ID)
    if err != nil { return model.Message{}, err }
    if _, err := tx.ExecContext(ctx, `UPDATE tickets SET last_activity_at=$1 WHERE id=$2`, msg.CreatedAt, msg.TicketID); err != nil {
        return model.Message{}, err
    }
    if err := tx.Commit(); err != nil { return model.Message{}, err }
    return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, ticketID, afterID int64, limit int) ([]model.Message, error) {
    limit = clampLimit(limit)
    rows, err := p.db.QueryContext(ctx, `SELECT id, ticket_id, user_id, content, created_at, is_from_support FROM messages
        WHERE ticket_id=$1 AND id > $2 ORDER BY id LIMIT $3`, ticketID, afterID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Message{}
    for rows.Next() {
        var m model.Message
        if err := rows.Scan(&m.ID, &m.TicketID, &m.UserID, &m.Content, &m.CreatedAt, &m.IsFromSupport); err != nil { return nil, err }
        out = append(out, m)
    }
    return out, rows.Err()
}

func incrementResolved(ctx context.Context, tx *sql.Tx, userID int64) (model.TicketStatistic, error) {
    st := model.TicketStatistic{UserID: userID}
    err := tx.QueryRowContext(ctx, `INSERT INTO ticket_statistics (user_id, tickets_resolved, last_updated) VALUES ($1, 1, now())
        ON CONFLICT (user_id) DO UPDATE SET tickets_resolved = ticket_statistics.tickets_resolved + 1, last_updated = now()
        RETURNING tickets_resolved, last_updated`, userID).Scan(&st.TicketsResolved, &st.LastUpdated)
    return st, err
}

func (p *Postgres) IncrementResolvedCount(ctx context.Context, userID int64) (model.TicketStatistic, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.TicketStatistic{}, err }
    defer func(){ _ = tx.Rollback() }()
    st, err := incrementResolved(ctx, tx, userID)
    if err != nil { return model.TicketStatistic{}, err }
    if err := tx.Commit(); err != nil { return model.TicketStatistic{}, err }
    return st, nil
}

func (p *Postgres) GetStatistic(ctx context.Context, userID int64) (model.TicketStatistic, error) {
    st := model.TicketStatistic{UserID: userID}
    err := p.db.QueryRowContext(ctx, `SELECT tickets_resolved, last_updated FROM ticket_statistics WHERE user_id=$1`, userID).
        Scan(&st.TicketsResolved, &st.LastUpdated)
    if errors.Is(err, sql.ErrNoRows) { return model.TicketStatistic{}, ErrNotFound }
    return st, err
}

func nullIfZero(id int64) any {
    if id == 0 { return nil }
    return id
}
