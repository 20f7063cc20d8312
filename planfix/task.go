package planfix

import (
	"context"
	"fmt"
	"net/http"
)

// StatusRef points at a task status by id.
type StatusRef struct {
	ID int64 `json:"id"`
}

// Task is the subset of registry task fields the bot reads back.
type Task struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Template    *TemplateRef `json:"template,omitempty"`
	Status      *StatusRef   `json:"status,omitempty"`
	EndDateTime *DateValue   `json:"endDateTime,omitempty"`
}

type taskResponse struct {
	Task Task `json:"task"`
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	path := fmt.Sprintf("task/%d?fields=id,name,description,template,status,endDateTime", taskID)
	var resp taskResponse
	if err := c.do(ctx, "task.fetch", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Task, nil
}

// AssignTask sets the task executor to the given CRM contact.
func (c *Client) AssignTask(ctx context.Context, taskID, contactID int64) error {
	path := fmt.Sprintf("task/%d", taskID)
	type userRef struct {
		ID string `json:"id"`
	}
	body := struct {
		Assignees struct {
			Users []userRef `json:"users"`
		} `json:"assignees"`
	}{}
	body.Assignees.Users = []userRef{{ID: fmt.Sprintf("contact:%d", contactID)}}
	return c.do(ctx, "task.assign", http.MethodPost, path, body, nil)
}

// UpdateTaskStatus moves a task to the given status.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, statusID int64) error {
	path := fmt.Sprintf("task/%d", taskID)
	body := struct {
		Status StatusRef `json:"status"`
	}{Status: StatusRef{ID: statusID}}
	return c.do(ctx, "task.status", http.MethodPost, path, body, nil)
}

// SubmitTaskResult writes form result fields to the task and optionally
// moves it to a new status in the same request.
func (c *Client) SubmitTaskResult(ctx context.Context, taskID int64, fields []CustomFieldValue, statusID int64) error {
	path := fmt.Sprintf("task/%d", taskID)
	body := struct {
		Status          *StatusRef         `json:"status,omitempty"`
		CustomFieldData []CustomFieldValue `json:"customFieldData,omitempty"`
	}{CustomFieldData: fields}
	if statusID > 0 {
		body.Status = &StatusRef{ID: statusID}
	}
	return c.do(ctx, "task.result", http.MethodPost, path, body, nil)
}

// AddTaskComment posts a comment to the task feed.
func (c *Client) AddTaskComment(ctx context.Context, taskID int64, text string) error {
	path := fmt.Sprintf("task/%d/comments/", taskID)
	body := struct {
		Description string `json:"description"`
	}{Description: text}
	return c.do(ctx, "task.comment", http.MethodPost, path, body, nil)
}
