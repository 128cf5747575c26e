package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTokenBucketBurst 初始容量内的请求立即通过，超出后被拒绝
func TestTokenBucketBurst(t *testing.T) {
	tb := NewTokenBucket(60, 3)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

// TestTokenBucketRefill 令牌随时间补充
func TestTokenBucketRefill(t *testing.T) {
	// 600 QPM = 每秒10个令牌
	tb := NewTokenBucket(600, 1)
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, tb.Allow())
}

// TestTokenBucketWaitCancellation 等待令牌期间取消立即返回
func TestTokenBucketWaitCancellation(t *testing.T) {
	// 1 QPM，耗尽后下一个令牌要等一分钟
	tb := NewTokenBucket(1, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestTokenBucketDefaultCapacity capacity<=0时按QPM一半取整
func TestTokenBucketDefaultCapacity(t *testing.T) {
	tb := NewTokenBucket(10, 0)
	assert.InDelta(t, 5.0, tb.capacity, 1e-9)

	tb = NewTokenBucket(1, 0)
	assert.InDelta(t, 1.0, tb.capacity, 1e-9)
}
