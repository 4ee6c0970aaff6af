package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/turtacn/ABLab/pkg/errors"
)

type CacheTestSuite struct {
	suite.Suite
	client *Client
	mock   redismock.ClientMock
	cache  Cache
	log    logging.Logger
}

func (s *CacheTestSuite) SetupTest() {
	db, mock := redismock.NewClientMock()
	s.mock = mock
	s.log = logging.NewNopLogger()
	s.client = NewClientWithUniversal(db, s.log)
	s.cache = s.newCache(WithPrefix("test:"))
}

// newCache builds a cache with ttl jitter pinned to identity so expectations
// can match exact durations.
func (s *CacheTestSuite) newCache(opts ...CacheOption) Cache {
	c := NewRedisCache(s.client, s.log, opts...)
	c.(*redisCache).jitter = func(d time.Duration) time.Duration { return d }
	return c
}

func (s *CacheTestSuite) TearDownTest() {
	assert.NoError(s.T(), s.mock.ExpectationsWereMet())
}

type testStruct struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func (s *CacheTestSuite) TestGet_Hit() {
	val := testStruct{Name: "John", Age: 30}
	data, err := json.Marshal(val)
	require.NoError(s.T(), err)

	s.mock.ExpectGet("test:key1").SetVal(string(data))

	var dest testStruct
	err = s.cache.Get(context.Background(), "key1", &dest)

	assert.NoError(s.T(), err)
	assert.Equal(s.T(), val, dest)
}

func (s *CacheTestSuite) TestGet_Miss() {
	s.mock.ExpectGet("test:key1").RedisNil()

	var dest testStruct
	err := s.cache.Get(context.Background(), "key1", &dest)

	assert.Equal(s.T(), ErrCacheMiss, err)
}

func (s *CacheTestSuite) TestGet_NullMarkerIsMiss() {
	s.mock.ExpectGet("test:key1").SetVal(nullValue)

	var dest testStruct
	err := s.cache.Get(context.Background(), "key1", &dest)

	assert.Equal(s.T(), ErrCacheMiss, err)
}

func (s *CacheTestSuite) TestGet_BackendError() {
	s.mock.ExpectGet("test:key1").SetErr(fmt.Errorf("connection reset"))

	var dest testStruct
	err := s.cache.Get(context.Background(), "key1", &dest)

	assert.Error(s.T(), err)
	assert.True(s.T(), pkgerrors.IsCode(err, pkgerrors.ErrCodeCacheError))
	assert.NotEqual(s.T(), ErrCacheMiss, err)
}

func (s *CacheTestSuite) TestSet_PrefixesKeyAndAppliesTTL() {
	val := testStruct{Name: "John", Age: 30}
	data, err := json.Marshal(val)
	require.NoError(s.T(), err)

	s.mock.ExpectSet("test:key1", data, time.Minute).SetVal("OK")

	err = s.cache.Set(context.Background(), "key1", val, time.Minute)
	assert.NoError(s.T(), err)
}

func (s *CacheTestSuite) TestSet_FallsBackToDefaultTTL() {
	cache := s.newCache(WithPrefix("test:"), WithDefaultTTL(10*time.Second))

	data, err := json.Marshal(testStruct{Name: "Ann", Age: 41})
	require.NoError(s.T(), err)
	s.mock.ExpectSet("test:key1", data, 10*time.Second).SetVal("OK")

	err = cache.Set(context.Background(), "key1", testStruct{Name: "Ann", Age: 41}, 0)
	assert.NoError(s.T(), err)
}

func (s *CacheTestSuite) TestDelete() {
	s.mock.ExpectDel("test:k1", "test:k2").SetVal(2)

	err := s.cache.Delete(context.Background(), "k1", "k2")
	assert.NoError(s.T(), err)
}

func (s *CacheTestSuite) TestDelete_NoKeysIsNoop() {
	err := s.cache.Delete(context.Background())
	assert.NoError(s.T(), err)
}

func (s *CacheTestSuite) TestDeleteByPrefix_ScansInBatches() {
	s.mock.ExpectScan(0, "test:sess:*", 100).SetVal([]string{"test:sess:a", "test:sess:b"}, 42)
	s.mock.ExpectDel("test:sess:a", "test:sess:b").SetVal(2)
	s.mock.ExpectScan(42, "test:sess:*", 100).SetVal([]string{"test:sess:c"}, 0)
	s.mock.ExpectDel("test:sess:c").SetVal(1)

	err := s.cache.DeleteByPrefix(context.Background(), "sess:")
	assert.NoError(s.T(), err)
}

func (s *CacheTestSuite) TestExists() {
	s.mock.ExpectExists("test:k1").SetVal(1)

	exists, err := s.cache.Exists(context.Background(), "k1")
	assert.NoError(s.T(), err)
	assert.True(s.T(), exists)
}

func (s *CacheTestSuite) TestIncr() {
	s.mock.ExpectIncr("test:counter").SetVal(3)

	n, err := s.cache.Incr(context.Background(), "counter")
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), n)
}

func (s *CacheTestSuite) TestExpireAndTTL() {
	s.mock.ExpectExpire("test:k1", time.Minute).SetVal(true)
	s.mock.ExpectTTL("test:k1").SetVal(42 * time.Second)

	require.NoError(s.T(), s.cache.Expire(context.Background(), "k1", time.Minute))
	ttl, err := s.cache.TTL(context.Background(), "k1")
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), 42*time.Second, ttl)
}

func (s *CacheTestSuite) TestGetOrSet_HitSkipsLoader() {
	val := testStruct{Name: "John", Age: 30}
	data, err := json.Marshal(val)
	require.NoError(s.T(), err)

	s.mock.ExpectGet("test:key1").SetVal(string(data))

	loaderCalled := false
	var dest testStruct
	err = s.cache.GetOrSet(context.Background(), "key1", &dest, time.Minute,
		func(ctx context.Context) (interface{}, error) {
			loaderCalled = true
			return nil, nil
		})

	assert.NoError(s.T(), err)
	assert.False(s.T(), loaderCalled)
	assert.Equal(s.T(), val, dest)
}

func (s *CacheTestSuite) TestGetOrSet_MissLoadsAndCaches() {
	val := testStruct{Name: "John", Age: 30}
	data, err := json.Marshal(val)
	require.NoError(s.T(), err)

	s.mock.ExpectGet("test:key1").RedisNil()
	s.mock.ExpectSet("test:key1", data, time.Minute).SetVal("OK")

	var dest testStruct
	err = s.cache.GetOrSet(context.Background(), "key1", &dest, time.Minute,
		func(ctx context.Context) (interface{}, error) {
			return val, nil
		})

	assert.NoError(s.T(), err)
	assert.Equal(s.T(), val, dest)
}

func (s *CacheTestSuite) TestGetOrSet_NilLoadNegativelyCaches() {
	s.mock.ExpectGet("test:key1").RedisNil()
	s.mock.ExpectSet("test:key1", nullValue, 30*time.Second).SetVal("OK")

	var dest testStruct
	err := s.cache.GetOrSet(context.Background(), "key1", &dest, time.Minute,
		func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})

	assert.Equal(s.T(), ErrCacheMiss, err)
}

func (s *CacheTestSuite) TestGetOrSet_LoaderErrorPropagates() {
	s.mock.ExpectGet("test:key1").RedisNil()

	boom := pkgerrors.New(pkgerrors.ErrCodeDatabaseError, "query failed")
	var dest testStruct
	err := s.cache.GetOrSet(context.Background(), "key1", &dest, time.Minute,
		func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})

	assert.Equal(s.T(), boom, err)
}

func (s *CacheTestSuite) TestGetOrSet_ReadFailureDegradesToLoader() {
	val := testStruct{Name: "John", Age: 30}
	data, err := json.Marshal(val)
	require.NoError(s.T(), err)

	s.mock.ExpectGet("test:key1").SetErr(fmt.Errorf("connection reset"))
	s.mock.ExpectSet("test:key1", data, time.Minute).SetVal("OK")

	var dest testStruct
	err = s.cache.GetOrSet(context.Background(), "key1", &dest, time.Minute,
		func(ctx context.Context) (interface{}, error) {
			return val, nil
		})

	assert.NoError(s.T(), err)
	assert.Equal(s.T(), val, dest)
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}
