// Package conversation persists chat conversations in chat.json. Every
// mutation is a read-modify-write under the document lock, so the stream
// pipeline and the HTTP surface never overwrite each other's changes.
package conversation

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/docstore"
	"github.com/loykin/warden/internal/errs"
)

const Document = "chat.json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message timestamps are kept as the client sent them.
type Message struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
	Thoughts  []string `json:"thoughts,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

type chatData struct {
	Conversations []Conversation `json:"conversations"`
}

type Store struct {
	docs *docstore.Store
	now  func() time.Time
}

func NewStore(docs *docstore.Store) *Store {
	return &Store{docs: docs, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) load() (chatData, error) {
	var d chatData
	err := s.docs.Load(Document, &d)
	return d, err
}

// update runs fn on the conversation with id under the document lock.
func (s *Store) update(id string, fn func(c *Conversation) error) (Conversation, error) {
	var d chatData
	var out Conversation
	err := s.docs.Update(Document, &d, func() error {
		for i := range d.Conversations {
			if d.Conversations[i].ID != id {
				continue
			}
			if err := fn(&d.Conversations[i]); err != nil {
				return err
			}
			d.Conversations[i].UpdatedAt = s.now()
			out = d.Conversations[i]
			return nil
		}
		return errs.NotFound("conversation %q", id)
	})
	return out, err
}

// List returns summaries, most recently updated first.
func (s *Store) List() ([]Summary, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(d.Conversations))
	for _, c := range d.Conversations {
		out = append(out, Summary{
			ID:           c.ID,
			Title:        c.Title,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: len(c.Messages),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Create(title string) (Conversation, error) {
	now := s.now()
	c := Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
	var d chatData
	err := s.docs.Update(Document, &d, func() error {
		d.Conversations = append(d.Conversations, c)
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) Get(id string) (Conversation, error) {
	d, err := s.load()
	if err != nil {
		return Conversation{}, err
	}
	for _, c := range d.Conversations {
		if c.ID == id {
			return c, nil
		}
	}
	return Conversation{}, errs.NotFound("conversation %q", id)
}

func (s *Store) Update(id, title string, messages []Message) (Conversation, error) {
	return s.update(id, func(c *Conversation) error {
		c.Title = title
		c.Messages = normalize(messages)
		return nil
	})
}

func (s *Store) UpdateTitle(id, title string) (Conversation, error) {
	return s.update(id, func(c *Conversation) error {
		c.Title = title
		return nil
	})
}

func (s *Store) ReplaceMessages(id string, messages []Message) (Conversation, error) {
	return s.update(id, func(c *Conversation) error {
		c.Messages = normalize(messages)
		return nil
	})
}

// AppendAssistant sets the messages to base followed by msg.
func (s *Store) AppendAssistant(id string, base []Message, msg Message) (Conversation, error) {
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	return s.update(id, func(c *Conversation) error {
		msgs := make([]Message, 0, len(base)+1)
		msgs = append(msgs, base...)
		c.Messages = append(msgs, msg)
		return nil
	})
}

func (s *Store) Delete(id string) error {
	var d chatData
	return s.docs.Update(Document, &d, func() error {
		for i, c := range d.Conversations {
			if c.ID == id {
				d.Conversations = append(d.Conversations[:i], d.Conversations[i+1:]...)
				return nil
			}
		}
		return errs.NotFound("conversation %q", id)
	})
}

func normalize(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}
