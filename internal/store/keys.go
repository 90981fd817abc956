package store

import "time"

// Record TTLs. Job, batch, and dead-letter records live 90 days; the active
// indexes are short-lived working sets refreshed on every write.
const (
	JobTTL          = 90 * 24 * time.Hour
	BatchTTL        = 90 * 24 * time.Hour
	DeadLetterTTL   = 90 * 24 * time.Hour
	SessionIndexTTL = 90 * 24 * time.Hour
	ActiveIndexTTL  = 24 * time.Hour
)

// Key prefixes and fixed keys of the KV wire contract.
const (
	jobKeyPrefix   = "email:job:"
	batchKeyPrefix = "email:batch:"
	dlqKey         = "email:dlq"
	activeKey      = "email:active"
)

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func batchKey(batchID string) string {
	return batchKeyPrefix + batchID
}

func batchJobsKey(batchID string) string {
	return batchKeyPrefix + batchID + ":jobs"
}

func sessionBatchesKey(sessionID string) string {
	return "email:session:" + sessionID + ":batches"
}

func userActiveKey(userID string) string {
	return "email:user:" + userID + ":active"
}
