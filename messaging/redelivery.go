package messaging

import (
	"math"

	"github.com/glimte/rabbitack/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RedeliveryRecord is a typed view over the most recent x-death entry
type RedeliveryRecord struct {
	Count       int
	Queue       string
	Reason      string
	Exchange    string
	RoutingKeys []string
}

// RedeliveryCount returns how many times the broker has dead-lettered the
// message, or 0 when the header is absent or malformed
func RedeliveryCount(headers amqp.Table) int {
	return ParseRedeliveryRecord(headers).Count
}

// ParseRedeliveryRecord extracts the first (most recent) x-death entry
func ParseRedeliveryRecord(headers amqp.Table) RedeliveryRecord {
	var record RedeliveryRecord
	if headers == nil {
		return record
	}

	death, ok := firstDeath(headers[contracts.HeaderDeath])
	if !ok {
		return record
	}

	record.Count = headerInt(death["count"])
	record.Queue, _ = death["queue"].(string)
	record.Reason, _ = death["reason"].(string)
	record.Exchange, _ = death["exchange"].(string)

	if keys, ok := death["routing-keys"].([]interface{}); ok {
		for _, key := range keys {
			if s, ok := key.(string); ok {
				record.RoutingKeys = append(record.RoutingKeys, s)
			}
		}
	}

	return record
}

func firstDeath(value interface{}) (map[string]interface{}, bool) {
	switch deaths := value.(type) {
	case []interface{}:
		if len(deaths) > 0 {
			return asTable(deaths[0])
		}
	case []amqp.Table:
		if len(deaths) > 0 {
			return deaths[0], deaths[0] != nil
		}
	case []map[string]interface{}:
		if len(deaths) > 0 {
			return deaths[0], deaths[0] != nil
		}
	}
	return nil, false
}

func asTable(value interface{}) (map[string]interface{}, bool) {
	switch t := value.(type) {
	case amqp.Table:
		return t, t != nil
	case map[string]interface{}:
		return t, t != nil
	}
	return nil, false
}

// headerInt converts the integer encodings produced by AMQP tables
func headerInt(value interface{}) int {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		n = int64(v)
	case float64:
		n = int64(v)
	default:
		return 0
	}

	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
