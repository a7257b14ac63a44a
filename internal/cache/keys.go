package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func StatusKey(taskID uuid.UUID) string {
	return fmt.Sprintf("task:status:%s", taskID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
