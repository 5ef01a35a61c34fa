package backend

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/listsync/pkg/lists"
)

var (
	ErrNotFound      = errors.New("list not found")
	ErrTitleRequired = errors.New("title is required")
)

const (
	defaultStoreID = "default"
	listsKey       = "lists"
)

// Store keeps every list in one automerge document and backs that document up into the sqlite stores table.
type Store struct {
	database *sql.DB
	storeID  string

	lock     sync.Mutex
	doc      *automerge.Doc
	onChange func(lists.Event)
}

// Open ensures the stores table exists and loads the default document from it, seeding an empty one on first use.
func Open(ctx context.Context, database *sql.DB) (*Store, error) {
	if _, err := database.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS stores (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to create stores table: %w", err)
	}
	if _, err := database.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO stores (id, content) VALUES (?, ?)`,
		defaultStoreID, base64.StdEncoding.EncodeToString(automerge.New().Save()),
	); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}

	var rawSave string
	if err := database.QueryRowContext(
		ctx, `SELECT content FROM stores WHERE id = ?`, defaultStoreID,
	).Scan(&rawSave); err != nil {
		return nil, fmt.Errorf("failed to query store: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawSave)
	if err != nil {
		return nil, fmt.Errorf("failed to decode store: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Store{database: database, storeID: defaultStoreID, doc: doc}, nil
}

// List returns every list, newest first.
func (s *Store) List() ([]lists.ListItem, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	all, err := s.allLocked()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	// ULIDs sort by creation time
	slices.Sort(ids)
	slices.Reverse(ids)
	out := make([]lists.ListItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, all[id])
	}
	return out, nil
}

func (s *Store) Get(id string) (lists.ListItem, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.getLocked(id)
}

// Create stores a new list under a fresh ID. Any ID on the input is ignored.
func (s *Store) Create(item lists.ListItem) (lists.ListItem, error) {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return lists.ListItem{}, ErrTitleRequired
	}
	item.ID = ulid.Make().String()

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.doc.Path(listsKey, item.ID).Set(encodeList(item)); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to set list: %w", err)
	}
	if _, err := s.doc.Commit("create " + item.ID); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to commit doc: %w", err)
	}
	s.notifyLocked(lists.Created, item)
	return item.Clone(), nil
}

// Update changes the title and description of an existing list. Its entries are only replaced when the input
// carries some.
func (s *Store) Update(item lists.ListItem) (lists.ListItem, error) {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return lists.ListItem{}, ErrTitleRequired
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := s.getLocked(item.ID); err != nil {
		return lists.ListItem{}, err
	}
	if err := s.doc.Path(listsKey, item.ID, "title").Set(item.Title); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to set title: %w", err)
	}
	if err := s.doc.Path(listsKey, item.ID, "description").Set(item.Description); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to set description: %w", err)
	}
	if item.ListItems != nil {
		if err := s.doc.Path(listsKey, item.ID, "listItems").Set(encodeEntries(item.ListItems)); err != nil {
			return lists.ListItem{}, fmt.Errorf("failed to set entries: %w", err)
		}
	}
	if _, err := s.doc.Commit("update " + item.ID); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to commit doc: %w", err)
	}
	updated, err := s.getLocked(item.ID)
	if err != nil {
		return lists.ListItem{}, err
	}
	s.notifyLocked(lists.Updated, updated)
	return updated, nil
}

// Delete removes a list and returns it as it was just before removal.
func (s *Store) Delete(id string) (lists.ListItem, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	item, err := s.getLocked(id)
	if err != nil {
		return lists.ListItem{}, err
	}
	if err := s.doc.Path(listsKey, id).Delete(); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to delete list: %w", err)
	}
	if _, err := s.doc.Commit("delete " + id); err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to commit doc: %w", err)
	}
	s.notifyLocked(lists.Deleted, item)
	return item, nil
}

// OnChange registers a function that receives every committed mutation. It runs while the document lock is held, so
// events reach it in commit order; it must not block or call back into the store.
func (s *Store) OnChange(fn func(lists.Event)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onChange = fn
}

func (s *Store) notifyLocked(kind lists.EventKind, item lists.ListItem) {
	if s.onChange != nil {
		s.onChange(lists.Event{Kind: kind, Item: item.Clone()})
	}
}

// Fork returns an independent copy of the document for inspection.
func (s *Store) Fork() (*automerge.Doc, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.doc.Fork()
}

// Flush writes the document to the database if it differs from the stored copy.
func (s *Store) Flush(ctx context.Context) (bool, error) {
	s.lock.Lock()
	newContent := base64.StdEncoding.EncodeToString(s.doc.Save())
	s.lock.Unlock()

	res, err := s.database.ExecContext(
		ctx, `UPDATE stores SET content = ? WHERE id = ? AND content != ?`,
		newContent,
		s.storeID,
		newContent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to backup doc in database: %w", err)
	}
	r, _ := res.RowsAffected()
	return r > 0, nil
}

// Run backs the document up on every tick until the context is done, then flushes one last time.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if changed, err := s.Flush(ctx); err != nil {
				slog.Error("failed to backup doc", "store", s.storeID, "err", err)
			} else if changed {
				slog.Info("backed up", "store", s.storeID)
			}
		case <-ctx.Done():
			if _, err := s.Flush(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return nil
		}
	}
}

func (s *Store) getLocked(id string) (lists.ListItem, error) {
	value, err := s.doc.Path(listsKey, id).Get()
	if err != nil {
		return lists.ListItem{}, fmt.Errorf("failed to get list: %w", err)
	}
	item, ok := decodeList(id, value.Interface())
	if !ok {
		return lists.ListItem{}, ErrNotFound
	}
	return item, nil
}

func (s *Store) allLocked() (map[string]lists.ListItem, error) {
	value, err := s.doc.Path(listsKey).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get lists: %w", err)
	}
	raw, _ := value.Interface().(map[string]any)
	out := make(map[string]lists.ListItem, len(raw))
	for id, v := range raw {
		if item, ok := decodeList(id, v); ok {
			out[id] = item
		}
	}
	return out, nil
}

func encodeList(item lists.ListItem) map[string]any {
	return map[string]any{
		"title":       item.Title,
		"description": item.Description,
		"listItems":   encodeEntries(item.ListItems),
	}
}

func encodeEntries(entries []lists.Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{"id": e.ID, "name": e.Name, "done": e.Done})
	}
	return out
}

func decodeList(id string, raw any) (lists.ListItem, bool) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return lists.ListItem{}, false
	}
	item := lists.ListItem{ID: id}
	item.Title, _ = fields["title"].(string)
	item.Description, _ = fields["description"].(string)
	rawEntries, _ := fields["listItems"].([]any)
	for _, re := range rawEntries {
		ef, ok := re.(map[string]any)
		if !ok {
			continue
		}
		var e lists.Entry
		e.ID, _ = ef["id"].(string)
		e.Name, _ = ef["name"].(string)
		e.Done, _ = ef["done"].(bool)
		item.ListItems = append(item.ListItems, e)
	}
	return item, true
}
