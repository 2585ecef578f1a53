package cache

import (
	"context"
	"fmt"
	"log/slog"
)

// SafeInvalidatePattern safely invalidates cache pattern with logging
func SafeInvalidatePattern(ctx context.Context, helper *CacheHelper, pattern string) {
	if err := helper.InvalidatePattern(ctx, pattern); err != nil {
		slog.ErrorContext(ctx, "Failed to invalidate cache pattern",
			"error", err,
			"pattern", pattern)
	}
}

// SafeDelete safely deletes cache keys with logging
func SafeDelete(ctx context.Context, helper *CacheHelper, keys ...string) {
	if err := helper.Delete(ctx, keys...); err != nil {
		slog.ErrorContext(ctx, "Failed to delete cache keys",
			"error", err,
			"keys", keys)
	}
}

// BatchInvalidate invalidates multiple patterns in batch
func BatchInvalidate(ctx context.Context, helper *CacheHelper, patterns []string) error {
	var lastErr error
	for _, pattern := range patterns {
		if err := helper.InvalidatePattern(ctx, pattern); err != nil {
			lastErr = err
			slog.ErrorContext(ctx, "Failed to invalidate pattern in batch",
				"error", err,
				"pattern", pattern)
		}
	}
	return lastErr
}

// InvalidateTestCache invalidates all test-related caches using pipeline
func InvalidateTestCache(ctx context.Context, cm *CacheManager, testID uint, creatorID string) {
	// Delete specific keys using single call
	SafeDelete(ctx, cm.Test,
		fmt.Sprintf("id:%d", testID),
		fmt.Sprintf("questions:%d", testID))

	// Invalidate patterns
	SafeInvalidatePattern(ctx, cm.Test, fmt.Sprintf("creator:%s:*", creatorID))
	SafeInvalidatePattern(ctx, cm.Test, "list:*")
	SafeInvalidatePattern(ctx, cm.Stats, fmt.Sprintf("test:%d:*", testID))
}

// InvalidateQuestionCache invalidates all question-related caches
func InvalidateQuestionCache(ctx context.Context, cm *CacheManager, questionID uint, testID uint) {
	SafeDelete(ctx, cm.Question, fmt.Sprintf("id:%d", questionID))
	SafeDelete(ctx, cm.Test, fmt.Sprintf("questions:%d", testID))
	SafeInvalidatePattern(ctx, cm.Stats, fmt.Sprintf("question:%d:*", questionID))
}
