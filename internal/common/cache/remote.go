package cache

import "valuation-pipeline/internal/common/database"

// The Redis wrapper is the production remote tier. A redis.Nil miss surfaces
// as an error and is treated as absent.
var _ Remote = (*database.RedisClient)(nil)
