package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/wowowow-64/weekwise/domain"
)

const (
	edmInt64      = "Edm.Int64"
	defaultPrefix = "weekwise"

	// maxWriteAttempts bounds the retries of a conditional write that lost
	// the race against another writer.
	maxWriteAttempts = 5
)

// TableConfig locates the Azure Tables account holding the planner data.
type TableConfig struct {
	Account string
	// Key is the shared account key, or a full connection string.
	Key string
	// Endpoint overrides https://<Account>.table.core.windows.net/.
	Endpoint string
	// Prefix is prepended to the table names.
	Prefix string
}

func (c TableConfig) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://%s.table.core.windows.net/", c.Account)
}

// TableName returns the table used for collection.
func (c TableConfig) TableName(collection string) string {
	prefix := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, c.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return prefix + collection
}

func (c TableConfig) serviceClient() (*aztables.ServiceClient, error) {
	opts := &aztables.ClientOptions{
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
	if strings.Contains(c.Key, "AccountKey=") || strings.Contains(c.Key, "UseDevelopmentStorage=") {
		return aztables.NewServiceClientFromConnectionString(c.Key, opts)
	}
	cred, err := aztables.NewSharedKeyCredential(c.Account, c.Key)
	if err != nil {
		return nil, err
	}
	return aztables.NewServiceClientWithSharedKey(c.endpoint(), cred, opts)
}

// NewTableStore returns a Store backed by Azure Tables that announces writes
// on feed.
func NewTableStore(cfg TableConfig, feed Feed, opts ...Option) (*Store, error) {
	svc, err := cfg.serviceClient()
	if err != nil {
		return nil, err
	}
	t := &azureTables{
		tasks: svc.NewClient(cfg.TableName(collectionTasks)),
		notes: svc.NewClient(cfg.TableName(collectionNotes)),
	}
	return newStore(t, feed, opts...), nil
}

// CreateTables creates the planner tables, tolerating ones that exist.
func CreateTables(ctx context.Context, cfg TableConfig) error {
	svc, err := cfg.serviceClient()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, collection := range []string{collectionTasks, collectionNotes} {
		name := cfg.TableName(collection)
		g.Go(func() error {
			_, err := svc.NewClient(name).CreateTable(ctx, nil)
			if err != nil {
				var respErr *azcore.ResponseError
				if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
					return fmt.Errorf("create table %s: %w", name, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type taskEntity struct {
	aztables.Entity
	Text          string `json:"Text"`
	Completed     bool   `json:"Completed"`
	Day           string `json:"Day"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	Version       int64  `json:"Version,string"`
	VersionType   string `json:"Version@odata.type"`
}

type noteEntity struct {
	aztables.Entity
	Content       string `json:"Content"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
	Version       int64  `json:"Version,string"`
	VersionType   string `json:"Version@odata.type"`
}

func newTaskEntity(uid string, t domain.Task) taskEntity {
	return taskEntity{
		Entity:        aztables.Entity{PartitionKey: uid, RowKey: t.ID},
		Text:          t.Text,
		Completed:     t.Completed,
		Day:           string(t.Day),
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		Version:       t.Version,
		VersionType:   edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		Text:      e.Text,
		Completed: e.Completed,
		Day:       domain.Day(e.Day),
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
		Version:   e.Version,
	}
}

func newNoteEntity(uid string, n domain.Note) noteEntity {
	return noteEntity{
		Entity:        aztables.Entity{PartitionKey: uid, RowKey: string(n.ID)},
		Content:       n.Content,
		UpdatedAt:     n.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
		Version:       n.Version,
		VersionType:   edmInt64,
	}
}

func (e noteEntity) note() domain.Note {
	return domain.Note{
		ID:        domain.Day(e.RowKey),
		Content:   e.Content,
		UpdatedAt: time.Unix(0, e.UpdatedAt).UTC(),
		Version:   e.Version,
	}
}

type azureTables struct {
	tasks *aztables.Client
	notes *aztables.Client
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// isConflict reports whether a conditional write lost to another writer.
func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) &&
		(respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict)
}

func (a *azureTables) ListTasks(ctx context.Context, uid string, since time.Time) ([]domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and CreatedAt ge %dL", escapeFilter(uid), since.UnixNano())
	pager := a.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.task())
		}
	}
	return tasks, nil
}

func (a *azureTables) InsertTask(ctx context.Context, uid string, t domain.Task) error {
	payload, err := sonic.Marshal(newTaskEntity(uid, t))
	if err == nil {
		_, err = a.tasks.AddEntity(ctx, payload, nil)
	}
	return err
}

// MergeTask replaces the record only if nobody wrote it since it was read,
// so versions follow the order writes land in.
func (a *azureTables) MergeTask(ctx context.Context, uid, id string, patch domain.TaskPatch) (domain.Task, error) {
	for attempt := 1; ; attempt++ {
		resp, err := a.tasks.GetEntity(ctx, uid, id, nil)
		if err != nil {
			if isNotFound(err) {
				return domain.Task{}, ErrNotFound
			}
			return domain.Task{}, err
		}
		var ent taskEntity
		if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
			return domain.Task{}, err
		}
		t := patch.Apply(ent.task())
		t.Version++
		payload, err := sonic.Marshal(newTaskEntity(uid, t))
		if err != nil {
			return domain.Task{}, err
		}
		etag := resp.ETag
		_, err = a.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			return t, nil
		case isNotFound(err):
			return domain.Task{}, ErrNotFound
		case !isConflict(err) || attempt == maxWriteAttempts:
			return domain.Task{}, err
		}
	}
}

func (a *azureTables) DeleteTask(ctx context.Context, uid, id string) error {
	_, err := a.tasks.DeleteEntity(ctx, uid, id, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (a *azureTables) ListNotes(ctx context.Context, uid string) ([]domain.Note, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeFilter(uid))
	pager := a.notes.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	notes := []domain.Note{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent noteEntity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			notes = append(notes, ent.note())
		}
	}
	return notes, nil
}

// UpsertNote writes the note of a day with the same conditional scheme as
// MergeTask. The first write of a day inserts and conflicts with a
// concurrent first write.
func (a *azureTables) UpsertNote(ctx context.Context, uid string, n domain.Note) (domain.Note, error) {
	for attempt := 1; ; attempt++ {
		var etag *azcore.ETag
		n.Version = 1
		resp, err := a.notes.GetEntity(ctx, uid, string(n.ID), nil)
		switch {
		case err == nil:
			var ent noteEntity
			if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
				return domain.Note{}, err
			}
			n.Version = ent.Version + 1
			etag = &resp.ETag
		case !isNotFound(err):
			return domain.Note{}, err
		}
		payload, err := sonic.Marshal(newNoteEntity(uid, n))
		if err != nil {
			return domain.Note{}, err
		}
		if etag == nil {
			_, err = a.notes.AddEntity(ctx, payload, nil)
		} else {
			_, err = a.notes.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: etag, UpdateMode: aztables.UpdateModeReplace})
		}
		if err == nil {
			return n, nil
		}
		if !(isConflict(err) || isNotFound(err)) || attempt == maxWriteAttempts {
			return domain.Note{}, err
		}
	}
}
