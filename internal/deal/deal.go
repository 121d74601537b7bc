package deal

import (
	"encoding/json"
	"strconv"
	"time"
)

// Number accepts either a JSON number or a JSON string. CRM exports are
// inconsistent about amount and probability fields, so both forms appear in
// real data.
type Number string

func (n *Number) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*n = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	*n = Number(data)
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if n == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(string(n), 64); err == nil {
		return []byte(n), nil
	}
	return json.Marshal(string(n))
}

// Float64 returns the numeric value, or ok=false if the field was empty or
// not parseable as a number.
func (n Number) Float64() (float64, bool) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Deal is one commercial record under review: metadata plus an activity
// timeline. Deals are bulk-loaded once and immutable afterwards.
type Deal struct {
	ID               string     `json:"deal_id"`
	Amount           Number     `json:"amount"`
	Stage            string     `json:"dealstage"`
	Type             string     `json:"dealtype"`
	StageProbability Number     `json:"deal_stage_probability"`
	CreateDate       string     `json:"createdate,omitempty"`
	CloseDate        string     `json:"closedate,omitempty"`
	Activities       []Activity `json:"activities"`
}

// Activity variant names as they appear in the CRM export.
const (
	TypeEmail   = "email"
	TypeCall    = "call"
	TypeMeeting = "meeting"
	TypeNote    = "note"
	TypeTask    = "task"
)

// Activity is one timestamped event in a deal's timeline. Each variant uses
// its own timestamp field on the wire; Timestamp is resolved once at decode
// time so ordering never re-probes the raw fields.
type Activity struct {
	Type string `json:"activity_type"`
	ID   string `json:"id,omitempty"`

	// Timestamp is the normalized UTC instant used for chronological
	// ordering. Zero when no source field was present or parseable.
	Timestamp time.Time `json:"-"`

	CreateDate       string `json:"createdate,omitempty"`
	LastModifiedDate string `json:"lastmodifieddate,omitempty"`

	// Email fields.
	SentAt    string   `json:"sent_at,omitempty"`
	From      string   `json:"from,omitempty"`
	To        []string `json:"to,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body,omitempty"`
	State     string   `json:"state,omitempty"`
	Direction string   `json:"direction,omitempty"`

	// Call fields.
	CallTitle     string `json:"call_title,omitempty"`
	CallBody      string `json:"call_body,omitempty"`
	CallDirection string `json:"call_direction,omitempty"`
	CallDuration  int    `json:"call_duration,omitempty"`
	CallStatus    string `json:"call_status,omitempty"`

	// Meeting fields.
	MeetingTitle         string `json:"meeting_title,omitempty"`
	MeetingLocation      string `json:"meeting_location,omitempty"`
	MeetingLocationType  string `json:"meeting_location_type,omitempty"`
	MeetingOutcome       string `json:"meeting_outcome,omitempty"`
	MeetingStartTime     string `json:"meeting_start_time,omitempty"`
	MeetingEndTime       string `json:"meeting_end_time,omitempty"`
	InternalMeetingNotes string `json:"internal_meeting_notes,omitempty"`

	// Note fields.
	NoteBody string `json:"note_body,omitempty"`

	// Task fields.
	TaskSubject  string `json:"task_subject,omitempty"`
	TaskBody     string `json:"task_body,omitempty"`
	TaskStatus   string `json:"task_status,omitempty"`
	TaskPriority string `json:"task_priority,omitempty"`
	TaskType     string `json:"task_type,omitempty"`
}

// activityAlias breaks UnmarshalJSON recursion.
type activityAlias Activity

func (a *Activity) UnmarshalJSON(data []byte) error {
	var aux activityAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Activity(aux)
	a.Timestamp = a.resolveTimestamp()
	return nil
}

// resolveTimestamp probes the variant timestamp fields in fixed priority
// order and returns the first parseable value, normalized to UTC.
func (a *Activity) resolveTimestamp() time.Time {
	for _, raw := range []string{a.SentAt, a.CreateDate, a.MeetingStartTime, a.LastModifiedDate} {
		if raw == "" {
			continue
		}
		if t, ok := ParseTimestamp(raw); ok {
			return t
		}
	}
	return time.Time{}
}

// timestampLayouts covers the formats seen in CRM exports: RFC 3339 with an
// offset or Z, zone-naive date-times (taken as UTC), and bare dates.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an activity timestamp string, returning the instant
// in UTC. ok is false when no known layout matches.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
