package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"ticketdesk/internal/model"
)

var (
	bucketUsers    = []byte("users")
	bucketTickets  = []byte("tickets")
	bucketMessages = []byte("messages") // nested bucket per ticket id
	bucketStats    = []byte("ticket_statistics")
)

// Bolt is a single-node embedded store. bbolt allows one writer at a time, so
// every Update transaction is a serialization point for version checks.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketTickets, bucketMessages, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *Bolt) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), itob(id), &u)
	})
	return u, err
}

func (s *Bolt) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if err := bumpSequence(b, u.ID); err != nil {
			return err
		}
		if u.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			u.ID = int64(seq)
		}
		return putJSON(b, itob(u.ID), u)
	})
	return u, err
}

// bumpSequence keeps the bucket sequence ahead of explicitly chosen ids.
func bumpSequence(b *bolt.Bucket, id int64) error {
	if id > 0 && uint64(id) > b.Sequence() {
		return b.SetSequence(uint64(id))
	}
	return nil
}

func (s *Bolt) CreateTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = model.StatusOpen
	}
	if t.Priority == "" {
		t.Priority = model.PriorityNormal
	}
	t.Version = 1
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTickets)
		if t.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			t.ID = int64(seq)
		} else {
			if b.Get(itob(t.ID)) != nil {
				return ErrConflict
			}
			if err := bumpSequence(b, t.ID); err != nil {
				return err
			}
		}
		return putJSON(b, itob(t.ID), t)
	})
	if err != nil {
		return model.Ticket{}, err
	}
	return t, nil
}

func (s *Bolt) GetTicket(ctx context.Context, id int64) (model.Ticket, error) {
	var t model.Ticket
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTickets), itob(id), &t)
	})
	return t, err
}

func saveTicketTx(tx *bolt.Tx, t model.Ticket) (model.Ticket, error) {
	b := tx.Bucket(bucketTickets)
	var cur model.Ticket
	if err := getJSON(b, itob(t.ID), &cur); err != nil {
		return model.Ticket{}, err
	}
	if cur.Version != t.Version {
		return model.Ticket{}, ErrConflict
	}
	t.Version++
	return t, putJSON(b, itob(t.ID), t)
}

func (s *Bolt) SaveTicket(ctx context.Context, t model.Ticket) (model.Ticket, error) {
	var saved model.Ticket
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		saved, err = saveTicketTx(tx, t)
		return err
	})
	return saved, err
}

func (s *Bolt) CloseTicket(ctx context.Context, t model.Ticket) (model.Ticket, model.TicketStatistic, error) {
	var saved model.Ticket
	var st model.TicketStatistic
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		if saved, err = saveTicketTx(tx, t); err != nil {
			return err
		}
		st, err = incrementTx(tx, t.ClosedByUserID)
		return err
	})
	if err != nil {
		return model.Ticket{}, model.TicketStatistic{}, err
	}
	return saved, st, nil
}

// AssignTicket counts and saves inside one write transaction; bbolt allows a
// single writer at a time.
func (s *Bolt) AssignTicket(ctx context.Context, t model.Ticket, maxInProgress int) (model.Ticket, error) {
	var saved model.Ticket
	err := s.db.Update(func(tx *bolt.Tx) error {
		if maxInProgress > 0 {
			n, err := countAssignedTx(tx, t.AssignedToUserID, model.StatusInProgress)
			if err != nil {
				return err
			}
			if n >= maxInProgress {
				return ErrLimitReached
			}
		}
		var err error
		saved, err = saveTicketTx(tx, t)
		return err
	})
	return saved, err
}

func (s *Bolt) CountAssigned(ctx context.Context, userID int64, status model.TicketStatus) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = countAssignedTx(tx, userID, status)
		return err
	})
	return n, err
}

func countAssignedTx(tx *bolt.Tx, userID int64, status model.TicketStatus) (int, error) {
	n := 0
	err := tx.Bucket(bucketTickets).ForEach(func(k, v []byte) error {
		var t model.Ticket
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if t.AssignedToUserID == userID && t.Status == status {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Bolt) AppendMessage(ctx context.Context, msg model.Message, expectVersion int64) (model.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTickets)
		var t model.Ticket
		if err := getJSON(tb, itob(msg.TicketID), &t); err != nil {
			return err
		}
		if t.Version != expectVersion {
			return ErrConflict
		}
		root := tx.Bucket(bucketMessages)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		msg.ID = int64(seq)
		mb, err := root.CreateBucketIfNotExists(itob(msg.TicketID))
		if err != nil {
			return err
		}
		if err := putJSON(mb, itob(msg.ID), msg); err != nil {
			return err
		}
		t.LastActivityAt = msg.CreatedAt
		return putJSON(tb, itob(t.ID), t)
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (s *Bolt) ListMessages(ctx context.Context, ticketID, afterID int64, limit int) ([]model.Message, error) {
	limit = clampLimit(limit)
	out := []model.Message{}
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket(itob(ticketID))
		if mb == nil {
			return nil
		}
		c := mb.Cursor()
		// big-endian keys iterate in id order
		for k, v := c.Seek(itob(afterID + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var m model.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func incrementTx(tx *bolt.Tx, userID int64) (model.TicketStatistic, error) {
	b := tx.Bucket(bucketStats)
	st := model.TicketStatistic{UserID: userID}
	if err := getJSON(b, itob(userID), &st); err != nil && err != ErrNotFound {
		return model.TicketStatistic{}, err
	}
	st.TicketsResolved++
	st.LastUpdated = time.Now().UTC()
	return st, putJSON(b, itob(userID), st)
}

func (s *Bolt) IncrementResolvedCount(ctx context.Context, userID int64) (model.TicketStatistic, error) {
	var st model.TicketStatistic
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		st, err = incrementTx(tx, userID)
		return err
	})
	return st, err
}

func (s *Bolt) GetStatistic(ctx context.Context, userID int64) (model.TicketStatistic, error) {
	var st model.TicketStatistic
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketStats), itob(userID), &st)
	})
	return st, err
}
