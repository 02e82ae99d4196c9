package messaging

import (
	"math"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func deathHeaders(count interface{}) amqp.Table {
	return amqp.Table{
		"x-death": []interface{}{
			amqp.Table{
				"count":        count,
				"queue":        "orders",
				"reason":       "rejected",
				"exchange":     "orders-ex",
				"routing-keys": []interface{}{"orders.created"},
			},
			amqp.Table{"count": int64(99), "queue": "older"},
		},
	}
}

func TestRedeliveryCount(t *testing.T) {
	tests := []struct {
		name     string
		headers  amqp.Table
		expected int
	}{
		{"nil headers", nil, 0},
		{"no x-death", amqp.Table{"other": "value"}, 0},
		{"empty list", amqp.Table{"x-death": []interface{}{}}, 0},
		{"not a list", amqp.Table{"x-death": "oops"}, 0},
		{"entry not a table", amqp.Table{"x-death": []interface{}{"oops"}}, 0},
		{"missing count", amqp.Table{"x-death": []interface{}{amqp.Table{"queue": "q"}}}, 0},
		{"string count", deathHeaders("3"), 0},
		{"int64 count", deathHeaders(int64(3)), 3},
		{"int32 count", deathHeaders(int32(4)), 4},
		{"int count", deathHeaders(5), 5},
		{"int8 count", deathHeaders(int8(6)), 6},
		{"uint8 count", deathHeaders(uint8(7)), 7},
		{"uint64 count", deathHeaders(uint64(8)), 8},
		{"float count", deathHeaders(float64(9)), 9},
		{"negative count", deathHeaders(int64(-2)), 0},
		{"huge count", deathHeaders(uint64(math.MaxUint64)), math.MaxInt32},
		{"plain map entry", amqp.Table{"x-death": []interface{}{map[string]interface{}{"count": int64(2)}}}, 2},
		{"table list", amqp.Table{"x-death": []amqp.Table{{"count": int64(11)}}}, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedeliveryCount(tt.headers))
		})
	}
}

func TestParseRedeliveryRecord(t *testing.T) {
	record := ParseRedeliveryRecord(deathHeaders(int64(2)))

	assert.Equal(t, 2, record.Count)
	assert.Equal(t, "orders", record.Queue)
	assert.Equal(t, "rejected", record.Reason)
	assert.Equal(t, "orders-ex", record.Exchange)
	assert.Equal(t, []string{"orders.created"}, record.RoutingKeys)
}

func TestRetryPolicyExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3}
	assert.NoError(t, policy.Validate())
	assert.False(t, policy.Exhausted(0))
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(4))

	zero := RetryPolicy{MaxRetries: 0}
	assert.True(t, zero.Exhausted(0))

	assert.Error(t, RetryPolicy{MaxRetries: -1}.Validate())
}
