// Package types defines the shared domain model for the MentorMail
// notification service: email jobs and batches, program-record snapshots
// (sessions, tasks, contacts), the error taxonomy, and the queue message
// envelope. It has no dependencies on other internal packages so that every
// layer can import it freely.
package types

import "time"

// JobType identifies the notification kind an EmailJob delivers. Each type
// maps to exactly one template and subject formula in the renderer.
type JobType string

const (
	JobTypePrep48h           JobType = "prep48h"
	JobTypePrep24h           JobType = "prep24h"
	JobTypeMentorPrep        JobType = "mentorPrep"
	JobTypeFeedback          JobType = "feedback"
	JobTypeFeedbackImmediate JobType = "feedbackImmediate"
	JobTypeFeedbackFollowup  JobType = "feedbackFollowup"
	JobTypeTaskOverdueDigest JobType = "taskOverdueDigest"
	JobTypeSessionUpdate     JobType = "sessionUpdate"
)

// AllJobTypes lists every job type in declaration order. Used by the renderer
// to ensure a template exists for each type at startup.
var AllJobTypes = []JobType{
	JobTypePrep48h,
	JobTypePrep24h,
	JobTypeMentorPrep,
	JobTypeFeedback,
	JobTypeFeedbackImmediate,
	JobTypeFeedbackFollowup,
	JobTypeTaskOverdueDigest,
	JobTypeSessionUpdate,
}

// JobStatus is the lifecycle state of an EmailJob. The legal transitions
// between statuses are owned by the jobstate package; nothing else may move
// a job between states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// BatchStatus is the derived aggregate state of an EmailBatch. It is never
// stored as authoritative data: it is computed from the batch counters and
// the scheduled time (see notify/status.DeriveBatchStatus).
type BatchStatus string

const (
	BatchStatusPending        BatchStatus = "pending"
	BatchStatusScheduled      BatchStatus = "scheduled"
	BatchStatusInProgress     BatchStatus = "in_progress"
	BatchStatusCompleted      BatchStatus = "completed"
	BatchStatusFailed         BatchStatus = "failed"
	BatchStatusPartialFailure BatchStatus = "partial_failure"
)

// Role identifies which side of the mentorship a recipient is on.
type Role string

const (
	RoleStudent Role = "student"
	RoleMentor  Role = "mentor"
)

// OverdueTask is one line item in a task-overdue digest, denormalized for
// template rendering.
type OverdueTask struct {
	TaskID      string `json:"taskId"`
	Name        string `json:"name"`
	DueDate     string `json:"dueDate"` // display-formatted, e.g. "Jan 2, 2026"
	DaysOverdue int    `json:"daysOverdue"`
}

// JobMetadata carries the denormalized display data a template needs so that
// rendering never performs record lookups.
type JobMetadata struct {
	SessionType  string        `json:"sessionType,omitempty"`
	SessionName  string        `json:"sessionName,omitempty"`
	TeamName     string        `json:"teamName,omitempty"`
	MentorNames  []string      `json:"mentorNames,omitempty"`
	SessionDate  string        `json:"sessionDate,omitempty"` // e.g. "Mon, Jan 2"
	SessionTime  string        `json:"sessionTime,omitempty"` // e.g. "3:00 PM"
	OverdueTasks []OverdueTask `json:"overdueTasks,omitempty"`
}

// EmailJob is one notification intended for one recipient. At most one job
// per (SessionID, Type, RecipientEmail) may be live (pending, scheduled, or
// processing) at a time; rescheduling cancels prior live jobs first.
type EmailJob struct {
	ID             string      `json:"id"`
	BatchID        string      `json:"batchId,omitempty"` // empty for standalone jobs (resends, legacy)
	SessionID      string      `json:"sessionId"`
	Type           JobType     `json:"type"`
	RecipientEmail string      `json:"recipientEmail"`
	RecipientName  string      `json:"recipientName"`
	Role           Role        `json:"role,omitempty"`
	ScheduledFor   time.Time   `json:"scheduledFor"`
	Status         JobStatus   `json:"status"`
	// Attempts is bumped in exactly two places: when the worker claims the
	// job for delivery, and when a manual retry re-schedules it. A full
	// retry-and-redeliver cycle therefore adds two.
	Attempts int `json:"attempts"`
	LastError      string      `json:"lastError,omitempty"`
	ProviderMsgID  string      `json:"providerEmailId,omitempty"` // mail provider correlation id
	QueueMessageID string      `json:"queueMessageId,omitempty"`  // queue correlation id
	ResendOf       string      `json:"resendOf,omitempty"`        // original job id when this is a resend
	Metadata       JobMetadata `json:"metadata"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// IsLive reports whether the job still occupies its (session, type,
// recipient) slot: it has neither finished nor been cancelled.
func (j *EmailJob) IsLive() bool {
	switch j.Status {
	case JobStatusPending, JobStatusScheduled, JobStatusProcessing:
		return true
	default:
		return false
	}
}

// EmailBatch groups the EmailJobs created together for one (session,
// notification type) pair, delivered via a single provider call.
//
// Invariant: Completed + Failed + Cancelled <= Total after every individual
// job-status transition.
type EmailBatch struct {
	BatchID      string    `json:"batchId"`
	SessionID    string    `json:"sessionId"`
	SessionName  string    `json:"sessionName"`
	Type         JobType   `json:"type"`
	Total        int       `json:"total"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	Cancelled    int       `json:"cancelled"`
	ScheduledFor time.Time `json:"scheduledFor"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DeadLetterEntry records a job that failed unrecoverably, kept for audit
// independently of the originating job's own TTL.
type DeadLetterEntry struct {
	JobID          string    `json:"jobId"`
	BatchID        string    `json:"batchId,omitempty"`
	SessionID      string    `json:"sessionId"`
	Type           JobType   `json:"type"`
	RecipientEmail string    `json:"recipientEmail"`
	LastError      string    `json:"lastError"`
	Attempts       int       `json:"attempts"`
	FailedAt       time.Time `json:"failedAt"`
}

// Contact is a program participant as returned by the records service.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FeedbackRecord marks that a contact has submitted feedback for a session
// in a specific role. Mentor feedback is tracked per mentor contact.
type FeedbackRecord struct {
	ContactID string `json:"contactId"`
	Role      Role   `json:"role"`
}

// SessionSnapshot is the read-only view of a mentorship session used to
// compute due notifications. ScheduledStart is nil when the session has no
// confirmed time yet; such sessions are skipped silently.
type SessionSnapshot struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	SessionType     string           `json:"sessionType"`
	TeamID          string           `json:"teamId"`
	TeamName        string           `json:"teamName"`
	ScheduledStart  *time.Time       `json:"scheduledStart,omitempty"`
	DurationMinutes int              `json:"durationMinutes"`
	PrepSubmitted   bool             `json:"prepSubmitted"` // team-level pre-meeting prep gate
	TeamMembers     []Contact        `json:"teamMembers"`   // non-mentor participants
	Mentors         []Contact        `json:"mentors"`
	Feedback        []FeedbackRecord `json:"feedback"`
}

// End returns the session end time (start + duration) and whether it is
// known. Sessions without a scheduled start have no end.
func (s *SessionSnapshot) End() (time.Time, bool) {
	if s.ScheduledStart == nil {
		return time.Time{}, false
	}
	return s.ScheduledStart.Add(time.Duration(s.DurationMinutes) * time.Minute), true
}

// HasFeedback reports whether the given contact has submitted feedback for
// this session in the given role.
func (s *SessionSnapshot) HasFeedback(contactID string, role Role) bool {
	for _, f := range s.Feedback {
		if f.ContactID == contactID && f.Role == role {
			return true
		}
	}
	return false
}

// TaskStatus is the records-service status of a mentorship task. Values
// mirror the upstream system verbatim.
type TaskStatus string

const (
	TaskStatusNotStarted TaskStatus = "Not Started"
	TaskStatusInProgress TaskStatus = "In Progress"
	TaskStatusCompleted  TaskStatus = "Completed"
)

// TaskSnapshot is the read-only view of a task used for overdue digests.
// Assignee is nil when the task is unassigned; DueDate is nil when none is
// set. Either case excludes the task from digests.
type TaskSnapshot struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   TaskStatus `json:"status"`
	DueDate  *time.Time `json:"dueDate,omitempty"`
	Assignee *Contact   `json:"assignee,omitempty"`
}

// Open reports whether the task still counts toward overdue digests.
func (t *TaskSnapshot) Open() bool {
	return t.Status == TaskStatusNotStarted || t.Status == TaskStatusInProgress
}
