package common

import "time"

const (
	PRIVATE_CREDENTIALS_DOTENV = ".env.private"
	DEFAULT_CONFIG_DIR         = ".config/"
	DEFAULT_CONFIG_FILE        = "config.json"
	DEFAULT_PLANS_FILE         = "plans.json"

	DEFAULT_LISTEN_ADDR    = ":4000"
	DEFAULT_REDIS_ADDR     = "localhost:6379"
	DEFAULT_REDIS_PASSWORD = ""
	DEFAULT_REDIS_PREFIX   = "subtrack:"

	DEFAULT_JWT_ISSUER       = "subtrack"
	DEFAULT_JWT_EXPIRY_HOURS = 24

	// Payment retry defaults: 3 attempts at 1h, 2h, 4h.
	DEFAULT_RETRY_MAX_ATTEMPTS       = 3
	DEFAULT_RETRY_INITIAL_DELAY      = time.Hour
	DEFAULT_RETRY_BACKOFF_MULTIPLIER = 2.0
	DEFAULT_RETRY_TICK_SCHEDULE      = "@hourly"

	// Reactivation policy: "period_end" permits reactivating a canceled
	// subscription only before its current billing period elapses,
	// "unlimited" permits it as long as the gateway still has the object.
	REACTIVATION_PERIOD_END = "period_end"
	REACTIVATION_UNLIMITED  = "unlimited"

	DEFAULT_WEBHOOK_MAX_BODY_BYTES = int64(65536)
)
