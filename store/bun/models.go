package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/migration"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// ── Work item model ───────────────────────────────────────────────

type workItemModel struct {
	bun.BaseModel `bun:"table:work_items"`

	ID           string          `bun:"id,pk"`
	TenantID     string          `bun:"tenant_id,notnull,default:''"`
	ProcInstID   string          `bun:"proc_inst_id,notnull"`
	ProcDefID    string          `bun:"proc_def_id,notnull,default:''"`
	ActivityID   string          `bun:"activity_id,notnull"`
	ActivityName string          `bun:"activity_name,notnull,default:''"`
	Assignee     string          `bun:"assignee,notnull,default:''"`
	Consumer     string          `bun:"consumer,notnull,default:''"`
	Status       string          `bun:"status,notnull"`
	Draft        json.RawMessage `bun:"draft,type:jsonb,nullzero"`
	AttemptCount int             `bun:"attempt_count,notnull,default:0"`
	MaxAttempts  int             `bun:"max_attempts,notnull,default:3"`
	ErrorDetail  string          `bun:"error_detail,notnull,default:''"`
	RetryAt      time.Time       `bun:"retry_at,notnull"`
	StartedAt    *time.Time      `bun:"started_at"`
	CompletedAt  *time.Time      `bun:"completed_at"`
	DueDate      *time.Time      `bun:"due_date"`
	CreatedAt    time.Time       `bun:"created_at,notnull"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull"`
}

func toWorkItemModel(w *workitem.WorkItem) (*workItemModel, error) {
	var draft json.RawMessage
	if w.Draft != nil {
		data, err := json.Marshal(w.Draft)
		if err != nil {
			return nil, fmt.Errorf("execution/bun: marshal draft: %w", err)
		}
		draft = data
	}
	return &workItemModel{
		ID:           w.ID.String(),
		TenantID:     w.TenantID,
		ProcInstID:   w.ProcInstID,
		ProcDefID:    w.ProcDefID,
		ActivityID:   w.ActivityID,
		ActivityName: w.ActivityName,
		Assignee:     w.Assignee,
		Consumer:     w.Consumer.String(),
		Status:       string(w.Status),
		Draft:        draft,
		AttemptCount: w.AttemptCount,
		MaxAttempts:  w.MaxAttempts,
		ErrorDetail:  w.ErrorDetail,
		RetryAt:      w.RetryAt,
		StartedAt:    w.StartedAt,
		CompletedAt:  w.CompletedAt,
		DueDate:      w.DueDate,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}, nil
}

func fromWorkItemModel(m *workItemModel) (*workitem.WorkItem, error) {
	parsedID, err := id.ParseWorkItemID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: parse work item id %q: %w", m.ID, err)
	}

	w := &workitem.WorkItem{
		Entity: execution.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		TenantID:     m.TenantID,
		ProcInstID:   m.ProcInstID,
		ProcDefID:    m.ProcDefID,
		ActivityID:   m.ActivityID,
		ActivityName: m.ActivityName,
		Assignee:     m.Assignee,
		Status:       workitem.Status(m.Status),
		AttemptCount: m.AttemptCount,
		MaxAttempts:  m.MaxAttempts,
		ErrorDetail:  m.ErrorDetail,
		RetryAt:      m.RetryAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		DueDate:      m.DueDate,
	}

	if m.Consumer != "" {
		parsedConsumer, cErr := id.ParseReplicaID(m.Consumer)
		if cErr == nil {
			w.Consumer = parsedConsumer
		}
	}

	if len(m.Draft) > 0 {
		var d workitem.Draft
		if err := json.Unmarshal(m.Draft, &d); err != nil {
			return nil, fmt.Errorf("execution/bun: unmarshal draft: %w", err)
		}
		w.Draft = &d
	}

	return w, nil
}

// ── Lease model ───────────────────────────────────────────────────

type leaseModel struct {
	bun.BaseModel `bun:"table:leases"`

	ResourceID string     `bun:"resource_id,pk"`
	TenantID   string     `bun:"tenant_id,pk"`
	HolderID   string     `bun:"holder_id,notnull"`
	AcquiredAt time.Time  `bun:"acquired_at,notnull"`
	ExpiresAt  *time.Time `bun:"expires_at"`
}

func fromLeaseModel(m *leaseModel) *lease.Lease {
	return &lease.Lease{
		ResourceID: m.ResourceID,
		TenantID:   m.TenantID,
		HolderID:   m.HolderID,
		AcquiredAt: m.AcquiredAt,
		ExpiresAt:  m.ExpiresAt,
	}
}

// ── Dead letter model ─────────────────────────────────────────────

type deadLetterModel struct {
	bun.BaseModel `bun:"table:dead_letters"`

	ID           string          `bun:"id,pk"`
	ItemID       string          `bun:"item_id,notnull"`
	TenantID     string          `bun:"tenant_id,notnull,default:''"`
	ProcInstID   string          `bun:"proc_inst_id,notnull,default:''"`
	ActivityName string          `bun:"activity_name,notnull,default:''"`
	Draft        json.RawMessage `bun:"draft,type:jsonb,nullzero"`
	Error        string          `bun:"error,notnull,default:''"`
	AttemptCount int             `bun:"attempt_count,notnull,default:0"`
	MaxAttempts  int             `bun:"max_attempts,notnull,default:0"`
	FailedAt     time.Time       `bun:"failed_at,notnull"`
	ReplayedAt   *time.Time      `bun:"replayed_at"`
	CreatedAt    time.Time       `bun:"created_at,notnull"`
}

func toDeadLetterModel(e *deadletter.Entry) (*deadLetterModel, error) {
	var draft json.RawMessage
	if e.Draft != nil {
		data, err := json.Marshal(e.Draft)
		if err != nil {
			return nil, fmt.Errorf("execution/bun: marshal draft: %w", err)
		}
		draft = data
	}
	return &deadLetterModel{
		ID:           e.ID.String(),
		ItemID:       e.ItemID.String(),
		TenantID:     e.TenantID,
		ProcInstID:   e.ProcInstID,
		ActivityName: e.ActivityName,
		Draft:        draft,
		Error:        e.Error,
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		FailedAt:     e.FailedAt,
		ReplayedAt:   e.ReplayedAt,
		CreatedAt:    e.CreatedAt,
	}, nil
}

func fromDeadLetterModel(m *deadLetterModel) (*deadletter.Entry, error) {
	parsedID, err := id.ParseDeadLetterID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: parse dead letter id %q: %w", m.ID, err)
	}
	parsedItem, err := id.ParseWorkItemID(m.ItemID)
	if err != nil {
		return nil, fmt.Errorf("execution/bun: parse dead letter item id %q: %w", m.ItemID, err)
	}

	e := &deadletter.Entry{
		ID:           parsedID,
		ItemID:       parsedItem,
		TenantID:     m.TenantID,
		ProcInstID:   m.ProcInstID,
		ActivityName: m.ActivityName,
		Error:        m.Error,
		AttemptCount: m.AttemptCount,
		MaxAttempts:  m.MaxAttempts,
		FailedAt:     m.FailedAt,
		ReplayedAt:   m.ReplayedAt,
		CreatedAt:    m.CreatedAt,
	}

	if len(m.Draft) > 0 {
		var d workitem.Draft
		if err := json.Unmarshal(m.Draft, &d); err != nil {
			return nil, fmt.Errorf("execution/bun: unmarshal draft: %w", err)
		}
		e.Draft = &d
	}

	return e, nil
}

// ── Process definition model ──────────────────────────────────────

type procDefModel struct {
	bun.BaseModel `bun:"table:proc_defs,alias:proc_defs"`

	ID         string          `bun:"id,pk"`
	TenantID   string          `bun:"tenant_id,notnull,default:''"`
	Name       string          `bun:"name,notnull,default:''"`
	Version    int             `bun:"version,notnull,default:1"`
	Definition json.RawMessage `bun:"definition,type:jsonb,notnull"`
	Migrated   bool            `bun:"migrated,notnull,default:false"`
	UpdatedAt  time.Time       `bun:"updated_at,notnull"`
}

func fromProcDefModel(m *procDefModel) *migration.TargetRow {
	return &migration.TargetRow{
		ID:         m.ID,
		TenantID:   m.TenantID,
		Name:       m.Name,
		Version:    m.Version,
		Definition: m.Definition,
		Migrated:   m.Migrated,
		UpdatedAt:  m.UpdatedAt,
	}
}
