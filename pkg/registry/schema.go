// pkg/registry/schema.go
package registry

// Registry describes every job type the service handles and every event it
// emits, with the JSON schema each one must satisfy.
type Registry struct {
	Version    string     `json:"version"`
	Activities []Activity `json:"activities"`
	Events     []Event    `json:"events"`
}

type Activity struct {
	ID           string                 `json:"id"`
	DisplayName  string                 `json:"displayName"`
	Description  string                 `json:"description"`
	TaskType     string                 `json:"taskType"`
	InputSchema  map[string]interface{} `json:"inputSchema"`
	OutputSchema map[string]interface{} `json:"outputSchema"`
	ErrorCodes   []string               `json:"errorCodes"`
	Timeout      string                 `json:"timeout"`
	Retries      int                    `json:"retries"`
}

type Event struct {
	Type          string                 `json:"type"`
	Description   string                 `json:"description"`
	PayloadSchema map[string]interface{} `json:"payloadSchema"`
}
