package channel

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

type templateSource struct {
	subject string
	body    string
}

var defaultTemplates = map[string]templateSource{
	"reminder_72h": {
		subject: "Your appointment is in 3 days",
		body:    "Hi! This is a reminder of your appointment on {{.Date}} at {{.Time}}. Reply C to cancel.",
	},
	"reminder_48h": {
		subject: "Your appointment is in 2 days",
		body:    "Your appointment is on {{.Date}} at {{.Time}}. Let us know if your plans change.",
	},
	"reminder_24h": {
		subject: "See you tomorrow",
		body:    "Reminder: your appointment is tomorrow at {{.Time}}.",
	},
	"confirmation_call": {
		subject: "Appointment confirmation",
		body:    "Hello. We are calling to confirm your appointment on {{.Date}} at {{.Time}}. Press 1 to confirm or 2 to cancel.",
	},
}

// TemplateData is exposed to every template.
type TemplateData struct {
	BookingID    string
	CustomerID   string
	BarbershopID string
	Channel      string
	Appointment  time.Time
	Date         string
	Time         string
}

func dataFor(task *model.NotificationTask, loc *time.Location) TemplateData {
	at := task.AppointmentTime.In(loc)
	return TemplateData{
		BookingID:    task.BookingID,
		CustomerID:   task.CustomerID,
		BarbershopID: task.BarbershopID,
		Channel:      string(task.Channel),
		Appointment:  at,
		Date:         at.Format("Mon Jan 2"),
		Time:         at.Format("15:04"),
	}
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Renderer turns a task's template id into message text.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]compiled
	loc       *time.Location
}

// NewRenderer loads the built-in templates. loc sets the zone appointment
// times are printed in; nil means UTC.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{templates: make(map[string]compiled), loc: loc}
	for id, src := range defaultTemplates {
		if err := r.Add(id, src.subject, src.body); err != nil {
			panic(err)
		}
	}
	return r
}

// Add registers or replaces a template.
func (r *Renderer) Add(id, subject, body string) error {
	s, err := template.New(id + ".subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return fmt.Errorf("failed to parse subject of %s: %w", id, err)
	}
	b, err := template.New(id).Option("missingkey=error").Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", id, err)
	}
	r.mu.Lock()
	r.templates[id] = compiled{subject: s, body: b}
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Render(task *model.NotificationTask) (*Message, error) {
	r.mu.RLock()
	tpl, ok := r.templates[task.TemplateID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, task.TemplateID)
	}

	data := dataFor(task, r.loc)
	var subject, body strings.Builder
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return &Message{Subject: subject.String(), Body: body.String()}, nil
}
