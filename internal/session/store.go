package session

import (
	"sync"
	"time"
)

// Draft is the partially collected input of one preview job: the presenter
// photo, the product photo, and the episode topic, gathered message by
// message from one chat.
type Draft struct {
	ChatID      int64
	Username    string
	SubjectPath string
	ObjectPath  string
	Topic       string
	UpdatedAt   time.Time
}

// Ready reports whether the draft has everything a job needs. The topic is
// required: the wardrobe and product prompts are built around it.
func (d Draft) Ready() bool {
	return d.SubjectPath != "" && d.ObjectPath != "" && d.Topic != ""
}

// Missing names what the user still has to send, in prompt order.
func (d Draft) Missing() []string {
	var out []string
	if d.SubjectPath == "" {
		out = append(out, "presenter photo")
	}
	if d.ObjectPath == "" {
		out = append(out, "product photo")
	}
	if d.Topic == "" {
		out = append(out, "episode topic")
	}
	return out
}

type Store struct {
	mu     sync.Mutex
	drafts map[int64]*Draft
}

func NewStore() *Store {
	return &Store{drafts: make(map[int64]*Draft)}
}

// SetSubject records the presenter photo path and returns the updated draft.
func (s *Store) SetSubject(chatID int64, username, path string) Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.getOrCreateLocked(chatID, username)
	d.SubjectPath = path
	d.UpdatedAt = time.Now()
	return *d
}

// SetObject records the product photo path and returns the updated draft.
func (s *Store) SetObject(chatID int64, username, path string) Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.getOrCreateLocked(chatID, username)
	d.ObjectPath = path
	d.UpdatedAt = time.Now()
	return *d
}

// SetTopic records the episode topic and returns the updated draft.
func (s *Store) SetTopic(chatID int64, username, topic string) Draft {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.getOrCreateLocked(chatID, username)
	d.Topic = topic
	d.UpdatedAt = time.Now()
	return *d
}

// Current returns a copy of the chat's draft, if one exists.
func (s *Store) Current(chatID int64) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[chatID]
	if !ok {
		return Draft{}, false
	}
	return *d, true
}

// Take removes and returns the chat's draft. The caller owns its files from
// then on.
func (s *Store) Take(chatID int64) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[chatID]
	if !ok {
		return Draft{}, false
	}
	delete(s.drafts, chatID)
	return *d, true
}

func (s *Store) getOrCreateLocked(chatID int64, username string) *Draft {
	if d, ok := s.drafts[chatID]; ok {
		if d.Username == "" && username != "" {
			d.Username = username
		}
		return d
	}

	d := &Draft{
		ChatID:    chatID,
		Username:  username,
		UpdatedAt: time.Now(),
	}
	s.drafts[chatID] = d
	return d
}
