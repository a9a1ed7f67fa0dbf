package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// Tables stores one entity per task in Azure Table Storage. The user id is
// the partition key and the task id the row key.
type Tables struct {
	table *aztables.Client
}

// NewTables creates a Tables repository from the given connection string.
func NewTables(connStr, tableName string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(tableName)}, nil
}

// taskEntity keeps list-valued fields as JSON strings since table columns
// are scalar.
type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Completed   bool   `json:"Completed"`
	Priority    string `json:"Priority"`
	Category    string `json:"Category"`
	Tags        string `json:"Tags"`
	DueDate     string `json:"DueDate"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
	Subtasks    string `json:"Subtasks"`
	Order       int    `json:"Order"`
}

func encodeTaskEntity(userID string, t domain.Task) ([]byte, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := sonic.MarshalString(tags)
	if err != nil {
		return nil, err
	}
	subs := t.Subtasks
	if subs == nil {
		subs = []domain.Subtask{}
	}
	subsJSON, err := sonic.MarshalString(subs)
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: userID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		Priority:    string(t.Priority),
		Category:    t.Category,
		Tags:        tagsJSON,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Subtasks:    subsJSON,
		Order:       t.Order,
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339Nano)
	}
	return sonic.Marshal(ent)
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Completed:   ent.Completed,
		Priority:    domain.NormalizePriority(ent.Priority),
		Category:    ent.Category,
		Tags:        []string{},
		Subtasks:    []domain.Subtask{},
		Order:       ent.Order,
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, ent.CreatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: createdAt: %w", ent.RowKey, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, ent.UpdatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: updatedAt: %w", ent.RowKey, err)
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339Nano, ent.DueDate)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s: dueDate: %w", ent.RowKey, err)
		}
		t.DueDate = &due
	}
	if ent.Tags != "" {
		if err := sonic.UnmarshalString(ent.Tags, &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("task %s: tags: %w", ent.RowKey, err)
		}
	}
	if ent.Subtasks != "" {
		if err := sonic.UnmarshalString(ent.Subtasks, &t.Subtasks); err != nil {
			return domain.Task{}, fmt.Errorf("task %s: subtasks: %w", ent.RowKey, err)
		}
	}
	return t, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func partitionFilter(userID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "'"
}

func (s *Tables) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := partitionFilter(userID)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sortByOrder(tasks)
	return tasks, nil
}

func (s *Tables) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	resp, err := s.table.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	return decodeTaskEntity(resp.Value)
}

func (s *Tables) PutTask(ctx context.Context, userID string, task domain.Task) error {
	payload, err := encodeTaskEntity(userID, task)
	if err != nil {
		return err
	}
	_, err = s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// PutTasks upserts each task in turn; a failure leaves earlier writes in place.
func (s *Tables) PutTasks(ctx context.Context, userID string, tasks []domain.Task) error {
	for _, t := range tasks {
		if err := s.PutTask(ctx, userID, t); err != nil {
			return fmt.Errorf("put task %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *Tables) DeleteTask(ctx context.Context, userID, id string) error {
	_, err := s.table.DeleteEntity(ctx, userID, id, nil)
	if err != nil && isNotFound(err) {
		return ErrNotFound
	}
	return err
}
