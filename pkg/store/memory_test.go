package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sentinel-grab/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreStrictTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.StrictTransitions = true

	job := newJob(0, nil, models.JobStatusQueued)
	require.NoError(t, s.CreateJob(ctx, job))
	p, err := s.InsertDefaultProduct(ctx, job.ID)
	require.NoError(t, err)

	assert.Error(t, s.UpdateProductStatus(ctx, p.ID, models.JobStatusSucceeded, "", ""))
	require.NoError(t, s.UpdateProductStatus(ctx, p.ID, models.JobStatusRunning, "", ""))
	require.NoError(t, s.UpdateProductStatus(ctx, p.ID, models.JobStatusSucceeded, "", ""))
	assert.Error(t, s.UpdateProductStatus(ctx, p.ID, models.JobStatusRunning, "", ""))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := newJob(0, nil, models.JobStatusQueued)
	require.NoError(t, s.CreateJob(ctx, job))

	claimed, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	claimed.Status = models.JobStatusQueued

	again, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "mutating a returned job must not requeue it")
}

func TestNewStoreTypes(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(Config{Type: "oracle"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}
