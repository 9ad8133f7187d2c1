package limiter

import (
	"context"
	"fmt"
	"time"
)

func ExampleRateLimiter() {
	store := NewMemoryStore()
	defer store.Close()

	rl := NewRateLimiter(store)
	if err := rl.AddPolicy(Policy{
		Name:      "per-user",
		Algorithm: AlgorithmTokenBucket,
		Limit:     100,
		Window:    time.Minute,
	}); err != nil {
		panic(err)
	}

	res := rl.Check(context.Background(), &Request{UserID: "user_123", Path: "/v1/items"})

	fmt.Println(res.Allowed, res.Headers[HeaderRemaining])
	// Output:
	// true 99
}
