package controlplane

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// creditOverrideScript atomically swaps an interface's administratively
// configured credit limit, returning the limit that was in effect
// before the call so an operator's "set" can be undone with the
// returned value. Grounded directly on the teacher's Redis token-bucket
// Lua script (rate-limiter/gateway/ratelimiter/token_bucket.go): same
// HGET/HSET-under-one-script shape, applied here to a credit limit
// instead of a token count.
var creditOverrideScript = redis.NewScript(`
local key = KEYS[1]
local new_bytes = tonumber(ARGV[1])
local new_usec = tonumber(ARGV[2])

local prev_bytes = tonumber(redis.call('HGET', key, 'bytes'))
local prev_usec = tonumber(redis.call('HGET', key, 'usec'))
if prev_bytes == nil then
    prev_bytes = new_bytes
    prev_usec = new_usec
end

redis.call('HSET', key, 'bytes', new_bytes, 'usec', new_usec)
return {prev_bytes, prev_usec}
`)

// CreditAdmin lets an operator override the credit limit of a running
// interface without racing the netback TX tasklet: the tasklet reads
// its credit_bytes/credit_usec once per credit period (spec.md §4.7
// step 2), so publishing a CreditLimit control message after this call
// is sufficient to make the change take effect on the next boundary.
type CreditAdmin struct {
	client redis.Cmdable
}

// NewCreditAdmin wraps a Redis client for administrative credit
// overrides.
func NewCreditAdmin(client redis.Cmdable) *CreditAdmin {
	return &CreditAdmin{client: client}
}

func creditAdminKey(h Handle) string { return fmt.Sprintf("ifcredit/%d", h) }

// SetCreditLimit atomically stores the new limit and returns the limit
// that was previously in effect (equal to the new limit on first set).
func (c *CreditAdmin) SetCreditLimit(ctx context.Context, h Handle, bytes, usec uint64) (prevBytes, prevUsec uint64, err error) {
	res, err := creditOverrideScript.Run(ctx, c.client, []string{creditAdminKey(h)}, bytes, usec).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("controlplane: set credit limit: %w", err)
	}
	slice, ok := res.([]interface{})
	if !ok || len(slice) != 2 {
		return 0, 0, fmt.Errorf("controlplane: unexpected credit script reply %v", res)
	}
	pb, _ := slice[0].(int64)
	pu, _ := slice[1].(int64)
	return uint64(pb), uint64(pu), nil
}
