package gitlab

import (
	"fmt"
	"log/slog"
	"strconv"
)

// Event kinds the channel summarizes.
const (
	KindPush         = "push"
	KindIssue        = "issue"
	KindMergeRequest = "merge_request"
)

// Event is the subset of a GitLab webhook body the channel reads. The same
// struct covers every object_kind; fields absent for a kind stay zero.
type Event struct {
	ObjectKind string `json:"object_kind"`

	// push
	Ref      string   `json:"ref"`
	After    string   `json:"after"`
	UserID   int64    `json:"user_id"`
	UserName string   `json:"user_name"`
	Commits  []Commit `json:"commits"`

	// issue, merge_request
	User             *User             `json:"user"`
	ObjectAttributes *ObjectAttributes `json:"object_attributes"`

	Project *Project `json:"project"`
}

type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type ObjectAttributes struct {
	ID     int64  `json:"id"`
	IID    int64  `json:"iid"`
	Title  string `json:"title"`
	Action    string `json:"action"`
	State     string `json:"state"`
	URL       string `json:"url"`
	UpdatedAt string `json:"updated_at"`
}

type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// Summarize renders a one-line description of ev and the id of the acting
// user. Unknown kinds log a warning and return an empty summary.
func Summarize(ev *Event) (summary, userID string) {
	switch ev.ObjectKind {
	case KindPush:
		return fmt.Sprintf("%s pushed %d commit(s) to %s in %s",
			orDefault(ev.UserName, "unknown user"),
			len(ev.Commits),
			orDefault(ev.Ref, "unknown branch"),
			ev.projectName(),
		), strconv.FormatInt(ev.UserID, 10)

	case KindIssue, KindMergeRequest:
		noun := "issue"
		if ev.ObjectKind == KindMergeRequest {
			noun = "merge request"
		}
		var action, title string
		if ev.ObjectAttributes != nil {
			action, title = ev.ObjectAttributes.Action, ev.ObjectAttributes.Title
		}
		return fmt.Sprintf("%s %s %s '%s' in %s",
			ev.actorName(),
			orDefault(action, "unknown action"),
			noun,
			orDefault(title, "unknown title"),
			ev.projectName(),
		), ev.actorID()
	}
	slog.Warn("gitlab: unsupported event type", "channel", channelName, "object_kind", ev.ObjectKind)
	return "", ""
}

// DedupKey identifies a delivery. The event UUID header wins; otherwise the
// object id with its action and update time, then the push head commit.
// Later transitions of one issue or MR (open, close, merge) get distinct keys.
func DedupKey(ev *Event, eventUUID string) string {
	if eventUUID != "" {
		return eventUUID
	}
	if oa := ev.ObjectAttributes; oa != nil && oa.ID != 0 {
		key := ev.ObjectKind + ":" + strconv.FormatInt(oa.ID, 10) + ":" + orDefault(oa.Action, "unknown")
		if oa.UpdatedAt != "" {
			key += ":" + oa.UpdatedAt
		}
		return key
	}
	if ev.ObjectKind == KindPush && ev.After != "" {
		return KindPush + ":" + ev.After
	}
	return ""
}

func (ev *Event) projectName() string {
	if ev.Project == nil {
		return "unknown project"
	}
	return orDefault(ev.Project.Name, "unknown project")
}

func (ev *Event) projectPath() string {
	if ev.Project == nil {
		return ""
	}
	if ev.Project.PathWithNamespace != "" {
		return ev.Project.PathWithNamespace
	}
	return ev.Project.Name
}

func (ev *Event) actorName() string {
	if ev.User == nil {
		return "unknown user"
	}
	return orDefault(ev.User.Name, "unknown user")
}

func (ev *Event) actorID() string {
	if ev.User == nil {
		return "0"
	}
	return strconv.FormatInt(ev.User.ID, 10)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
