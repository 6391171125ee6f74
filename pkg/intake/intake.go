// Package intake reads the work-item feed produced by the upstream planning
// process: YAML backlog documents dropped into an intake directory. The feed
// is append-only; the orchestrator copies unseen items into its store and
// never mutates the feed itself.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pressroom/pkg/logx"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

// Backlog is the top-level shape of an intake document.
type Backlog struct {
	WorkItems []proto.WorkItem `yaml:"work_items"`
}

// Intake scans the feed directory and mirrors new work items into the store.
type Intake struct {
	store  *persistence.Store
	dir    string
	logger *logx.Logger
}

// New creates an intake reader over dir, creating the directory if needed.
func New(store *persistence.Store, dir string) (*Intake, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create intake directory %s: %w", dir, err)
	}
	return &Intake{
		store:  store,
		dir:    dir,
		logger: logx.NewLogger("intake"),
	}, nil
}

// Scan reads every backlog document in the intake directory and inserts work
// items the store has not seen. It also mirrors external cancellations:
// a previously-seen item marked cancelled in the feed is flagged in the
// store for the loop to act on. Returns the newly inserted items.
func (i *Intake) Scan() ([]*proto.WorkItem, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read intake directory: %w", err)
	}

	var inserted []*proto.WorkItem
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		items, err := i.parseFile(filepath.Join(i.dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		for idx := range items {
			item := &items[idx]
			fresh, err := i.admit(entry.Name(), item)
			if err != nil {
				return nil, err
			}
			if fresh {
				inserted = append(inserted, item)
			}
		}
	}
	return inserted, nil
}

func (i *Intake) parseFile(path string) ([]proto.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog file %s: %w", path, err)
	}

	var backlog Backlog
	if err := yaml.Unmarshal(data, &backlog); err != nil {
		return nil, fmt.Errorf("failed to parse backlog file %s: %w", path, err)
	}
	return backlog.WorkItems, nil
}

// admit inserts a new work item, or mirrors feed changes for a known one.
// Returns true when the item was newly inserted.
//
// An item arriving without an id gets one derived from its source file and
// title, so re-scanning the same document never re-admits it.
func (i *Intake) admit(source string, item *proto.WorkItem) (bool, error) {
	if item.ID == "" {
		item.ID = stableItemID(source, item.Title)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.State = proto.ItemStateQueued

	err := i.store.InsertWorkItem(item)
	if err == nil {
		i.logger.Info("Admitted work item %s: %s", item.ID, item.Title)
		return true, nil
	}
	if !errors.Is(err, persistence.ErrAlreadyExists) {
		return false, err
	}

	existing, err := i.store.GetWorkItem(item.ID)
	if err != nil {
		return false, err
	}

	if item.Cancelled && !existing.Cancelled {
		if err := i.store.SetWorkItemCancelled(item.ID); err != nil {
			return false, err
		}
		i.logger.Info("Work item %s cancelled via feed", item.ID)
	}

	// The feed owns the descriptive fields until the item starts running.
	// Mirroring amendments lets a readiness-gapped entry be fixed in place
	// and re-validated instead of escalating forever against a stale copy.
	if existing.State == proto.ItemStateQueued || existing.State == proto.ItemStateEscalated {
		if !sameItemFields(existing, item) {
			if err := i.store.UpdateWorkItemFields(item); err != nil {
				return false, err
			}
			i.logger.Info("Work item %s amended via feed", item.ID)
		}
	}
	return false, nil
}

// sameItemFields compares the feed-owned fields of two work items. Nil and
// empty lists are distinct: declaring an empty dependencies list is an
// amendment over never declaring one.
func sameItemFields(a, b *proto.WorkItem) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.SizeEstimate == b.SizeEstimate &&
		a.ApprovedBy == b.ApprovedBy &&
		a.Priority == b.Priority &&
		reflect.DeepEqual(a.AcceptanceCriteria, b.AcceptanceCriteria) &&
		reflect.DeepEqual(a.CompletionCriteria, b.CompletionCriteria) &&
		reflect.DeepEqual(a.Dependencies, b.Dependencies) &&
		reflect.DeepEqual(a.Risks, b.Risks) &&
		sameStringMap(a.QualityRequirements, b.QualityRequirements)
}

// sameStringMap treats nil and empty as equal: the store normalizes a nil
// quality map to an empty one.
func sameStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// stableItemID derives a deterministic short id from the backlog file name
// and item title, matching the shape of planner-assigned ids.
func stableItemID(source, title string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + title))
	return hex.EncodeToString(sum[:4])
}

// Watch starts an fsnotify watcher on the intake directory and returns a
// coalesced wake-up channel. The loop still rescans every tick, so a missed
// filesystem event only costs latency, never correctness.
func (i *Intake) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create intake watcher: %w", err)
	}
	if err := watcher.Add(i.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch intake directory: %w", err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				i.logger.Warn("Intake watcher error: %v", err)
			}
		}
	}()
	return wake, nil
}
