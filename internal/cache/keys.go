package cache

import "fmt"

func GenerationStatusKey(promptID string) string {
	return fmt.Sprintf("generation:status:%s", promptID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
