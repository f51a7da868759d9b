package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftAccumulates(t *testing.T) {
	s := NewStore()

	d := s.SetSubject(1, "alex", "/tmp/subject.png")
	assert.False(t, d.Ready())
	assert.Equal(t, []string{"product photo", "episode topic"}, d.Missing())

	d = s.SetObject(1, "", "/tmp/object.png")
	assert.False(t, d.Ready())

	d = s.SetTopic(1, "", "gadget review")
	assert.True(t, d.Ready())
	assert.Empty(t, d.Missing())
	assert.Equal(t, "alex", d.Username)
}

func TestDraftsAreScopedToChat(t *testing.T) {
	s := NewStore()

	s.SetSubject(1, "", "/tmp/a.png")
	s.SetSubject(2, "", "/tmp/b.png")

	d1, ok := s.Current(1)
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.png", d1.SubjectPath)

	d2, ok := s.Current(2)
	require.True(t, ok)
	assert.Equal(t, "/tmp/b.png", d2.SubjectPath)

	_, ok = s.Current(3)
	assert.False(t, ok)
}

func TestTakeRemovesDraft(t *testing.T) {
	s := NewStore()

	s.SetSubject(1, "", "/tmp/a.png")
	d, ok := s.Take(1)
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.png", d.SubjectPath)

	_, ok = s.Current(1)
	assert.False(t, ok)
	_, ok = s.Take(1)
	assert.False(t, ok)
}

func TestSetOverwrites(t *testing.T) {
	s := NewStore()

	s.SetSubject(1, "", "/tmp/a.png")
	d := s.SetSubject(1, "", "/tmp/retake.png")
	assert.Equal(t, "/tmp/retake.png", d.SubjectPath)
}
