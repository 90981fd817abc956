// Package builder computes which notifications are due from read-only
// program-record snapshots. It is pure: every function takes the current time
// explicitly and performs no I/O, so the scheduling rules are testable with
// plain table tests.
package builder

import (
	"sort"
	"time"

	"mentormail/internal/types"
)

// Pre-meeting reminder windows, in hours before scheduled start. Both bounds
// are inclusive; a session landing exactly on a boundary is included. The 24h
// window is evaluated first, so a session matching both only ever yields the
// 24h reminder.
const (
	prep48hWindowMin = 44
	prep48hWindowMax = 52
	prep24hWindowMin = 20
	prep24hWindowMax = 28
)

// Feedback windows, in hours after session end. Immediate reminders fire
// at or just after the end; the followup window mirrors the 24h prep window.
const (
	feedbackImmediateMax = 4
	feedbackFollowupMin  = 20
	feedbackFollowupMax  = 28
)

// Recipient is one addressee of a pending notification, with the mentorship
// role that selected them.
type Recipient struct {
	types.Contact
	Role types.Role
}

// Notification is one due notification group: a type, the recipients it is
// owed to, when it should be delivered, and the denormalized display data the
// renderer needs. The scheduler turns each Notification into one batch.
type Notification struct {
	Type       types.JobType
	SessionID  string
	FireAt     time.Time
	Recipients []Recipient
	Metadata   types.JobMetadata
}

// SessionNotifications computes every notification currently due for a single
// session snapshot. Sessions without a confirmed start time yield nothing.
// Recipients without an email address are skipped silently.
func SessionNotifications(now time.Time, s *types.SessionSnapshot) []Notification {
	if s == nil || s.ScheduledStart == nil {
		return nil
	}

	start := *s.ScheduledStart
	end, _ := s.End()
	meta := sessionMetadata(s)

	var out []Notification

	untilStart := start.Sub(now).Hours()
	switch {
	case untilStart >= prep24hWindowMin && untilStart <= prep24hWindowMax:
		if !s.PrepSubmitted {
			if n := prepNotification(s, types.JobTypePrep24h, fireAt(now, start.Add(-24*time.Hour)), meta); n != nil {
				out = append(out, *n)
			}
		}
		if n := mentorPrepNotification(s, fireAt(now, start.Add(-24*time.Hour)), meta); n != nil {
			out = append(out, *n)
		}
	case untilStart >= prep48hWindowMin && untilStart <= prep48hWindowMax:
		if !s.PrepSubmitted {
			if n := prepNotification(s, types.JobTypePrep48h, fireAt(now, start.Add(-48*time.Hour)), meta); n != nil {
				out = append(out, *n)
			}
		}
	}

	sinceEnd := now.Sub(end).Hours()
	switch {
	case sinceEnd >= 0 && sinceEnd < feedbackImmediateMax:
		if n := feedbackNotification(s, types.JobTypeFeedbackImmediate, fireAt(now, end), meta); n != nil {
			out = append(out, *n)
		}
	case sinceEnd >= feedbackFollowupMin && sinceEnd <= feedbackFollowupMax:
		if n := feedbackNotification(s, types.JobTypeFeedbackFollowup, fireAt(now, end.Add(24*time.Hour)), meta); n != nil {
			out = append(out, *n)
		}
	}

	return out
}

// SessionUpdate builds an immediate update notice for every participant of a
// session. Used when a force-reschedule replaces previously scheduled jobs.
func SessionUpdate(now time.Time, s *types.SessionSnapshot) *Notification {
	if s == nil || s.ScheduledStart == nil {
		return nil
	}
	var rcpts []Recipient
	for _, c := range s.TeamMembers {
		if c.Email != "" {
			rcpts = append(rcpts, Recipient{Contact: c, Role: types.RoleStudent})
		}
	}
	for _, m := range s.Mentors {
		if m.Email != "" {
			rcpts = append(rcpts, Recipient{Contact: m, Role: types.RoleMentor})
		}
	}
	if len(rcpts) == 0 {
		return nil
	}
	return &Notification{
		Type:       types.JobTypeSessionUpdate,
		SessionID:  s.ID,
		FireAt:     now,
		Recipients: rcpts,
		Metadata:   sessionMetadata(s),
	}
}

// OverdueTaskDigests groups open tasks whose due date has passed by assignee
// and returns one digest notification per assignee, tasks sorted most overdue
// first. Tasks without a due date or an assignee email are skipped silently.
func OverdueTaskDigests(now time.Time, tasks []types.TaskSnapshot) []Notification {
	type bucket struct {
		assignee types.Contact
		tasks    []types.OverdueTask
	}
	buckets := map[string]*bucket{}

	for i := range tasks {
		t := &tasks[i]
		if !t.Open() || t.DueDate == nil || !t.DueDate.Before(now) {
			continue
		}
		if t.Assignee == nil || t.Assignee.Email == "" {
			continue
		}
		b, ok := buckets[t.Assignee.ID]
		if !ok {
			b = &bucket{assignee: *t.Assignee}
			buckets[t.Assignee.ID] = b
		}
		b.tasks = append(b.tasks, types.OverdueTask{
			TaskID:      t.ID,
			Name:        t.Name,
			DueDate:     t.DueDate.Format("Jan 2, 2006"),
			DaysOverdue: int(now.Sub(*t.DueDate).Hours() / 24),
		})
	}

	ids := make([]string, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Notification, 0, len(ids))
	for _, id := range ids {
		b := buckets[id]
		sort.SliceStable(b.tasks, func(i, j int) bool {
			return b.tasks[i].DaysOverdue > b.tasks[j].DaysOverdue
		})
		out = append(out, Notification{
			Type:       types.JobTypeTaskOverdueDigest,
			FireAt:     now,
			Recipients: []Recipient{{Contact: b.assignee, Role: types.RoleStudent}},
			Metadata:   types.JobMetadata{OverdueTasks: b.tasks},
		})
	}
	return out
}

// prepNotification addresses a pre-meeting reminder to the non-mentor team
// members. Mentors get their own mentorPrep notice instead.
func prepNotification(s *types.SessionSnapshot, jt types.JobType, at time.Time, meta types.JobMetadata) *Notification {
	var rcpts []Recipient
	for _, c := range s.TeamMembers {
		if c.Email == "" {
			continue
		}
		rcpts = append(rcpts, Recipient{Contact: c, Role: types.RoleStudent})
	}
	if len(rcpts) == 0 {
		return nil
	}
	return &Notification{Type: jt, SessionID: s.ID, FireAt: at, Recipients: rcpts, Metadata: meta}
}

func mentorPrepNotification(s *types.SessionSnapshot, at time.Time, meta types.JobMetadata) *Notification {
	var rcpts []Recipient
	for _, m := range s.Mentors {
		if m.Email == "" {
			continue
		}
		rcpts = append(rcpts, Recipient{Contact: m, Role: types.RoleMentor})
	}
	if len(rcpts) == 0 {
		return nil
	}
	return &Notification{Type: types.JobTypeMentorPrep, SessionID: s.ID, FireAt: at, Recipients: rcpts, Metadata: meta}
}

// feedbackNotification addresses a feedback reminder to every participant who
// has not yet submitted feedback for their own role. Mentor submissions count
// per mentor contact, never for the group.
func feedbackNotification(s *types.SessionSnapshot, jt types.JobType, at time.Time, meta types.JobMetadata) *Notification {
	var rcpts []Recipient
	for _, c := range s.TeamMembers {
		if c.Email == "" || s.HasFeedback(c.ID, types.RoleStudent) {
			continue
		}
		rcpts = append(rcpts, Recipient{Contact: c, Role: types.RoleStudent})
	}
	for _, m := range s.Mentors {
		if m.Email == "" || s.HasFeedback(m.ID, types.RoleMentor) {
			continue
		}
		rcpts = append(rcpts, Recipient{Contact: m, Role: types.RoleMentor})
	}
	if len(rcpts) == 0 {
		return nil
	}
	return &Notification{Type: jt, SessionID: s.ID, FireAt: at, Recipients: rcpts, Metadata: meta}
}

func sessionMetadata(s *types.SessionSnapshot) types.JobMetadata {
	names := make([]string, 0, len(s.Mentors))
	for _, m := range s.Mentors {
		names = append(names, m.Name)
	}
	meta := types.JobMetadata{
		SessionType: s.SessionType,
		SessionName: s.Name,
		TeamName:    s.TeamName,
		MentorNames: names,
	}
	if s.ScheduledStart != nil {
		meta.SessionDate = s.ScheduledStart.Format("Mon, Jan 2")
		meta.SessionTime = s.ScheduledStart.Format("3:04 PM")
	}
	return meta
}

// fireAt returns the ideal delivery time, floored at now so reminders already
// inside their window go out immediately.
func fireAt(now, ideal time.Time) time.Time {
	if ideal.Before(now) {
		return now
	}
	return ideal
}
