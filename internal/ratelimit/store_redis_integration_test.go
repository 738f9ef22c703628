//go:build integration

package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"itroad-gateway/internal/ratelimit"
	"itroad-gateway/pkg/requestcontext"
	"itroad-gateway/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *ratelimit.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = ratelimit.NewRedisStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TearDownSuite() {
	_ = s.redis.Client.Close()
	_ = s.redis.Container.Terminate(context.Background())
}

func (s *RedisStoreSuite) TestCountsAcrossCalls() {
	ctx := context.Background()

	for i := range 3 {
		result, err := s.store.Allow(ctx, "sub:usr-1", 3, time.Minute)
		s.Require().NoError(err)
		s.True(result.Allowed)
		s.Equal(2-i, result.Remaining)
	}

	result, err := s.store.Allow(ctx, "sub:usr-1", 3, time.Minute)
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Positive(result.RetryAfter)
}

func (s *RedisStoreSuite) TestWindowSlotsAreIndependent() {
	now := time.Now().Truncate(time.Minute)
	ctx := requestcontext.WithTime(context.Background(), now)

	for range 3 {
		_, err := s.store.Allow(ctx, "sub:usr-1", 3, time.Minute)
		s.Require().NoError(err)
	}

	nextSlot := requestcontext.WithTime(context.Background(), now.Add(time.Minute))
	result, err := s.store.Allow(nextSlot, "sub:usr-1", 3, time.Minute)
	s.Require().NoError(err)
	s.True(result.Allowed)
	s.Equal(2, result.Remaining)
}

func (s *RedisStoreSuite) TestKeysAreIndependent() {
	ctx := context.Background()

	for range 3 {
		_, err := s.store.Allow(ctx, "ip:10.0.0.1", 3, time.Minute)
		s.Require().NoError(err)
	}

	result, err := s.store.Allow(ctx, "ip:10.0.0.2", 3, time.Minute)
	s.Require().NoError(err)
	s.True(result.Allowed)
}
