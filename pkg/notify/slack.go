package notify

import "strconv"

// SlackMessage is the incoming-webhook payload shape Slack accepts.
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one colored block in a Slack message.
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField is one titled value inside an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// FormatSlackMessage renders an event for a Slack incoming webhook.
func FormatSlackMessage(event *Event) SlackMessage {
	fields := []SlackField{
		{Title: "Provider", Value: event.Provider, Short: true},
		{Title: "Adapter", Value: event.Adapter, Short: true},
	}
	if message, ok := event.Data["message"].(string); ok && message != "" {
		fields = append(fields, SlackField{Title: "Error", Value: message})
	}
	if streak, ok := event.Data["consecutive_failures"].(int); ok && streak > 0 {
		fields = append(fields, SlackField{Title: "Consecutive Failures", Value: strconv.Itoa(streak), Short: true})
	}

	return SlackMessage{
		Attachments: []SlackAttachment{
			{
				Color:  eventColor(event.Type),
				Title:  eventTitle(event.Type),
				Fields: fields,
			},
		},
	}
}

func eventColor(eventType EventType) string {
	switch eventType {
	case EventSyncDisabled:
		return "danger"
	case EventSyncFailed:
		return "warning"
	case EventTokenExpired:
		return "warning"
	default:
		return "#439FE0"
	}
}

func eventTitle(eventType EventType) string {
	switch eventType {
	case EventSyncFailed:
		return "Directory Sync Failed"
	case EventSyncDisabled:
		return "Directory Sync Disabled"
	case EventTokenExpired:
		return "Provider Token Expired"
	default:
		return string(eventType)
	}
}
