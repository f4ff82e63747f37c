package services

const (
	KeyMiningRecord   = "mining:user:%s"
	KeyActiveSessions = "mining:active"
	KeyRateLimit      = "ratelimit:%s:%s"

	fieldUserID            = "user_id"
	fieldIsMining          = "is_mining"
	fieldSessionStartedAt  = "session_started_at"
	fieldSessionID         = "session_id"
	fieldMiningSpeed       = "mining_speed"
	fieldBalance           = "balance"
	fieldEarnedInFlight    = "earned_in_flight"
	fieldTotalMined        = "total_mined"
	fieldExperience        = "experience"
	fieldMiningLevel       = "mining_level"
	fieldUpgradeSpeed      = "upgrade_speed"
	fieldUpgradeEfficiency = "upgrade_efficiency"
	fieldUpgradeCapacity   = "upgrade_capacity"
	fieldSuspicion         = "suspicious_activity_count"
	fieldLastFingerprint   = "last_fingerprint"
	fieldLastActivityAt    = "last_activity_at"
	fieldRapidRequests     = "rapid_request_count"
	fieldLastRequestAt     = "last_request_at"
	fieldCreatedAt         = "created_at"
	fieldUpdatedAt         = "updated_at"

	boostFieldPrefix = "boost:"
)
