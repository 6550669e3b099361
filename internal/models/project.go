package models

import "time"

// Project groups a set of tasks under one piece of work.
type Project struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// ProjectProgress summarizes a project's task counts per status.
type ProjectProgress struct {
	ProjectID       int64              `json:"project_id"`
	ProjectName     string             `json:"project_name"`
	TotalTasks      int                `json:"total_tasks"`
	StatusCounts    map[TaskStatus]int `json:"stats"`
	ProgressPercent float64            `json:"progress_percent"`
}
