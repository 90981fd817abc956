// Package render turns a job's type and metadata into a finished email
// subject and HTML body. Rendering is a pure function of its inputs: all
// display data arrives denormalized in the job metadata, so no record
// lookups happen here.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"mentormail/internal/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// RenderedEmail holds the pre-rendered email content ready for transmission.
type RenderedEmail struct {
	Subject string
	HTML    string
}

// templateData is the struct passed into the HTML templates.
type templateData struct {
	RecipientName string
	SessionName   string
	SessionType   string
	TeamName      string
	MentorNames   string
	SessionDate   string
	SessionTime   string
	OverdueTasks  []types.OverdueTask
	SessionURL    string
	FeedbackURL   string
	TasksURL      string
}

// Renderer renders notification emails from embedded templates, one per
// job type, all wrapped in a shared base layout.
type Renderer struct {
	templates     map[types.JobType]*template.Template
	appBaseURL    string
	subjectPrefix string
}

// RendererConfig holds the parameters needed to construct a Renderer.
type RendererConfig struct {
	// AppBaseURL is the site root for links embedded in email bodies.
	AppBaseURL string
	// SubjectPrefix, when set, is prepended to every subject line. Used to
	// mark staging traffic.
	SubjectPrefix string
}

// NewRenderer parses the embedded templates and returns a Renderer.
// Returns an error if any template fails to parse.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		templates:     make(map[types.JobType]*template.Template),
		appBaseURL:    strings.TrimSuffix(cfg.AppBaseURL, "/"),
		subjectPrefix: cfg.SubjectPrefix,
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("render: failed to read base.html: %w", err)
	}

	for _, jt := range types.AllJobTypes {
		name := string(jt)

		content, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("render: failed to read %s.html: %w", name, err)
		}
		tmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("render: failed to parse base.html: %w", err)
		}
		if _, err := tmpl.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("render: failed to parse %s.html: %w", name, err)
		}
		r.templates[jt] = tmpl
	}

	return r, nil
}

// Render produces the subject and HTML body for one recipient. The
// recipient name passed here must be the true recipient even in test mode;
// any redirect happens after rendering so in-body personalization stays
// correct.
func (r *Renderer) Render(jobType types.JobType, recipientName, sessionID string, meta types.JobMetadata) (*RenderedEmail, error) {
	tmpl, ok := r.templates[jobType]
	if !ok {
		return nil, fmt.Errorf("render: no template for job type %q", jobType)
	}

	data := templateData{
		RecipientName: recipientName,
		SessionName:   meta.SessionName,
		SessionType:   meta.SessionType,
		TeamName:      meta.TeamName,
		MentorNames:   joinNames(meta.MentorNames),
		SessionDate:   meta.SessionDate,
		SessionTime:   meta.SessionTime,
		OverdueTasks:  meta.OverdueTasks,
		SessionURL:    r.link("/sessions/" + sessionID),
		FeedbackURL:   r.link("/sessions/" + sessionID + "/feedback"),
		TasksURL:      r.link("/tasks"),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render: failed to render %q: %w", jobType, err)
	}

	return &RenderedEmail{
		Subject: r.subject(jobType, meta),
		HTML:    buf.String(),
	}, nil
}

// subject computes the subject line for a job type from its metadata.
func (r *Renderer) subject(jobType types.JobType, meta types.JobMetadata) string {
	var s string
	switch jobType {
	case types.JobTypePrep48h:
		s = fmt.Sprintf("Prepare for %s on %s", meta.SessionName, meta.SessionDate)
	case types.JobTypePrep24h:
		s = fmt.Sprintf("Tomorrow: %s at %s", meta.SessionName, meta.SessionTime)
	case types.JobTypeMentorPrep:
		s = fmt.Sprintf("Mentor prep: %s on %s", meta.SessionName, meta.SessionDate)
	case types.JobTypeFeedback, types.JobTypeFeedbackImmediate:
		s = fmt.Sprintf("How was %s?", meta.SessionName)
	case types.JobTypeFeedbackFollowup:
		s = fmt.Sprintf("Reminder: share your feedback on %s", meta.SessionName)
	case types.JobTypeTaskOverdueDigest:
		n := len(meta.OverdueTasks)
		if n == 1 {
			s = "You have 1 overdue task"
		} else {
			s = fmt.Sprintf("You have %d overdue tasks", n)
		}
	case types.JobTypeSessionUpdate:
		s = fmt.Sprintf("Updated details for %s", meta.SessionName)
	default:
		s = string(jobType)
	}

	if r.subjectPrefix != "" {
		s = r.subjectPrefix + " " + s
	}
	return s
}

func (r *Renderer) link(path string) string {
	if r.appBaseURL == "" {
		return ""
	}
	return r.appBaseURL + path
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}
