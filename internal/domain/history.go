package domain

import "time"

// ProjectStatusHistory is one append-only row per status transition.
type ProjectStatusHistory struct {
	ID             string    `json:"id,omitempty"`
	ProjectID      string    `json:"project_id"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previous_status"`
	Step           int       `json:"step"`
	ChangedBy      string    `json:"changed_by"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
