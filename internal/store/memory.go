package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "ticketdesk/internal/model"
)

// Memory is a simple in-memory store used when neither DATABASE_URL nor
// BOLT_PATH is set. A single mutex makes every method one atomic step, which
// gives the same compare-and-set semantics as the SQL backends.
type Memory struct {
    mu       sync.Mutex
    users    map[int64]model.User
    tickets  map[int64]model.Ticket
    messages map[int64][]model.Message // ticketId -> messages in commit order
    stats    map[int64]model.TicketStatistic
    nextTicket  int64
    nextMessage int64
    now      func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        users:    map[int64]model.User{},
        tickets:  map[int64]model.Ticket{},
        messages: map[int64][]model.Message{},
        stats:    map[int64]model.TicketStatistic{},
        now:      func() time.Time { return time.Now().UTC() },
    }
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func (m *Memory) GetUser(ctx context.Context, id int64) (model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    u, ok := m.users[id]
    if !ok { return model.User{}, ErrNotFound }
    return u, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if u.ID == 0 {
        for id := range m.users { if id > u.ID { u.ID = id } }
        u.ID++
    }
    if u.CreatedAt.IsZero() { u.CreatedAt = m.now() }
    m.users[u.ID] = u
    return u, nil
}

func (m *Memory) CreateTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if t.ID == 0 {
        m.nextTicket++
        t.ID = m.nextTicket
    } else if t.ID > m.nextTicket {
        m.nextTicket = t.ID
    }
    if _, exists := m.tickets[t.ID]; exists { return model.Ticket{}, ErrConflict }
    now := m.now()
    if t.CreatedAt.IsZero() { t.CreatedAt = now }
    if t.LastActivityAt.IsZero() { t.LastActivityAt = t.CreatedAt }
    if t.Status == "" { t.Status = model.StatusOpen }
    if t.Priority == "" { t.Priority = model.PriorityNormal }
    t.Version = 1
    m.tickets[t.ID] = t
    return t, nil
}

func (m *Memory) GetTicket(ctx context.Context, id int64) (model.Ticket, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t, ok := m.tickets[id]
    if !ok { return model.Ticket{}, ErrNotFound }
    return t, nil
}

func (m *Memory) SaveTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.saveLocked(t)
}

func (m *Memory) saveLocked(t model.Ticket) (model.Ticket, error) {
    cur, ok := m.tickets[t.ID]
    if !ok { return model.Ticket{}, ErrNotFound }
    if cur.Version != t.Version { return model.Ticket{}, ErrConflict }
    t.Version++
    m.tickets[t.ID] = t
    return t, nil
}

func (m *Memory) CloseTicket(ctx context.Context, t model.Ticket) (model.Ticket, model.TicketStatistic, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    saved, err := m.saveLocked(t)
    if err != nil { return model.Ticket{}, model.TicketStatistic{}, err }
    return saved, m.incrementLocked(t.ClosedByUserID), nil
}

func (m *Memory) AssignTicket(ctx context.Context, t model.Ticket, maxInProgress int) (model.Ticket, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if maxInProgress > 0 && m.countLocked(t.AssignedToUserID, model.StatusInProgress) >= maxInProgress {
        return model.Ticket{}, ErrLimitReached
    }
    return m.saveLocked(t)
}

func (m *Memory) CountAssigned(ctx context.Context, userID int64, status model.TicketStatus) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.countLocked(userID, status), nil
}

func (m *Memory) countLocked(userID int64, status model.TicketStatus) int {
    n := 0
    for _, t := range m.tickets {
        if t.AssignedToUserID == userID && t.Status == status { n++ }
    }
    return n
}

func (m *Memory) AppendMessage(ctx context.Context, msg model.Message, expectVersion int64) (model.Message, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    t, ok := m.tickets[msg.TicketID]
    if !ok { return model.Message{}, ErrNotFound }
    if t.Version != expectVersion { return model.Message{}, ErrConflict }
    m.nextMessage++
    msg.ID = m.nextMessage
    if msg.CreatedAt.IsZero() { msg.CreatedAt = m.now() }
    m.messages[msg.TicketID] = append(m.messages[msg.TicketID], msg)
    t.LastActivityAt = msg.CreatedAt
    m.tickets[t.ID] = t
    return msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, ticketID, afterID int64, limit int) ([]model.Message, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    limit = clampLimit(limit)
    list := m.messages[ticketID]
    // ids are assigned in commit order so the slice is already sorted
    start := sort.Search(len(list), func(i int) bool { return list[i].ID > afterID })
    end := start + limit
    if end > len(list) { end = len(list) }
    return append([]model.Message{}, list[start:end]...), nil
}

func (m *Memory) IncrementResolvedCount(ctx context.Context, userID int64) (model.TicketStatistic, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.incrementLocked(userID), nil
}

func (m *Memory) incrementLocked(userID int64) model.TicketStatistic {
    st := m.stats[userID]
    st.UserID = userID
    st.TicketsResolved++
    st.LastUpdated = m.now()
    m.stats[userID] = st
    return st
}

func (m *Memory) GetStatistic(ctx context.Context, userID int64) (model.TicketStatistic, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    st, ok := m.stats[userID]
    if !ok { return model.TicketStatistic{}, ErrNotFound }
    return st, nil
}
