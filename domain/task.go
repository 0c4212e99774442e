package domain

// Status is the lifecycle column a task sits in.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

// Role is the authorization role of an identified session.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Board is a named collection of tasks and the unit of subscription.
type Board struct {
	ID        string `json:"boardId"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Task represents a single board item in the authoritative store.
type Task struct {
	ID          string `json:"id"`
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status"`
	Version     int    `json:"version"`
	CreatedBy   string `json:"createdBy"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Patch carries partial updates for a task. Nil fields are left untouched.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil
}

// Apply returns a copy of t with the patch fields applied. Version and
// timestamps are not touched.
func (p Patch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	return t
}

// CanDelete reports whether the given identity may delete the task.
func (t Task) CanDelete(pseudo string, role Role) bool {
	if pseudo == "" {
		return false
	}
	return role == RoleAdmin || t.CreatedBy == pseudo
}
