package failure

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_Empty(t *testing.T) {
	var a Aggregate
	assert.True(t, a.Empty())
	assert.NoError(t, a.Err())

	a.Add(SourceHook, "ignored", nil)
	assert.True(t, a.Empty())
}

func TestAggregate_SingleFailure(t *testing.T) {
	var a Aggregate
	a.Add(SourceTest, "", errors.New("boom"))

	err := a.Err()
	require.Error(t, err)
	assert.Equal(t, "[test] boom", err.Error())
}

func TestAggregate_OrdersTestBeforeHooks(t *testing.T) {
	var a Aggregate
	hookErr := errors.New("cleanup failed")
	bodyErr := errors.New("assertion failed")
	recvErr := errors.New("reporter down")

	a.Add(SourceHook, "Base.After", hookErr)
	a.Add(SourceEventReceiver, "junit", recvErr)
	a.Add(SourceTest, "", bodyErr)

	err := a.Err()
	require.Error(t, err)

	var agg *AggregateError
	require.True(t, errors.As(err, &agg))
	assert.Equal(t, SourceTest, agg.Primary().Source)
	assert.Contains(t, err.Error(), "3 failures:")
	assert.Contains(t, err.Error(), "1) [test] assertion failed")
	assert.Contains(t, err.Error(), "2) [hook] Base.After: cleanup failed")
	assert.Contains(t, err.Error(), "3) [event receiver] junit: reporter down")

	assert.ErrorIs(t, err, hookErr)
	assert.ErrorIs(t, err, bodyErr)
	assert.ErrorIs(t, err, recvErr)
	assert.Len(t, agg.BySource(SourceHook), 1)
}

func TestAggregate_TimeoutIsDistinct(t *testing.T) {
	var a Aggregate
	a.Add(SourceTimeout, "", &TimeoutError{Duration: 2 * time.Second})

	err := a.Err()
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "timed out after 2s")
	assert.True(t, a.Has(SourceTimeout))
	assert.False(t, a.Has(SourceTest))
}

func TestAggregate_ConcurrentAdd(t *testing.T) {
	var a Aggregate
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Add(SourceEventReceiver, "r", errors.New("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, a.Len())

	a.Reset()
	assert.True(t, a.Empty())
}

func TestConstructionError_Unwrap(t *testing.T) {
	cause := errors.New("db unavailable")
	err := &ConstructionError{TestID: "A.b", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "constructing A.b: db unavailable", err.Error())
}
