package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskLifecycleUpdatesTableStats(t *testing.T) {
	s := New(16)
	s.TaskScheduled("db1", "Object", 7, 1)
	s.TaskStarted("db1", "Object", 1)
	s.TaskFinished("db1", "Object", 120*time.Millisecond, 1)

	got := s.Table("db1", "Object")
	assert.EqualValues(t, 1, got.Scheduled)
	assert.EqualValues(t, 0, got.Running)
	assert.EqualValues(t, 1, got.Finished)
	assert.EqualValues(t, 7, got.LastChunk)
	assert.EqualValues(t, 120, got.SlowestMillis)

	q := s.QueryBegin(1)
	assert.EqualValues(t, 1, q.Scheduled)
	assert.EqualValues(t, 0, q.Running)
	assert.EqualValues(t, 1, q.Finished)
}

func TestSlowestMillisKeepsMax(t *testing.T) {
	s := New(16)
	s.TaskStarted("db1", "Object", 1)
	s.TaskFinished("db1", "Object", 50*time.Millisecond, 1)
	s.TaskStarted("db1", "Object", 1)
	s.TaskFinished("db1", "Object", 200*time.Millisecond, 1)
	s.TaskStarted("db1", "Object", 1)
	s.TaskFinished("db1", "Object", 10*time.Millisecond, 1)

	assert.EqualValues(t, 200, s.Table("db1", "Object").SlowestMillis)
}

func TestQueryBeginIsIdempotent(t *testing.T) {
	s := New(16)
	q1 := s.QueryBegin(42)
	q2 := s.QueryBegin(42)
	assert.Same(t, q1, q2)
}

func TestBootCountsPerQuery(t *testing.T) {
	s := New(16)
	s.QueryBegin(1)
	assert.Equal(t, 1, s.Boot(1))
	assert.Equal(t, 2, s.Boot(1))
	assert.Equal(t, 2, s.Boots(1))
	assert.Equal(t, 0, s.Boots(2), "unseen query reports zero boots")
}
