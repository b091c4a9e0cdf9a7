// Package service holds the persisted catalog of managed services. Each kind
// (model, retrieval, SQL engine) lives in its own JSON document keyed by
// service name.
package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/warden/internal/errs"
)

type Kind string

const (
	KindModel     Kind = "model"
	KindRetrieval Kind = "retrieval"
	KindSQLEngine Kind = "sql_engine"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindModel, KindRetrieval, KindSQLEngine}

// ParseKind accepts the canonical names and the URL aliases used by the
// HTTP surface (models, rags, byzer-sql).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "model", "models":
		return KindModel, nil
	case "retrieval", "rag", "rags":
		return KindRetrieval, nil
	case "sql_engine", "sql", "byzer-sql", "byzer_sql":
		return KindSQLEngine, nil
	}
	return "", errs.InvalidState("unknown service kind %q", s)
}

// Document is the registry file backing the kind.
func (k Kind) Document() string {
	switch k {
	case KindModel:
		return "models.json"
	case KindRetrieval:
		return "rags.json"
	case KindSQLEngine:
		return "byzer_sql.json"
	}
	return ""
}

type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Record is one managed service. Exactly one of the launch specs is set,
// matching Kind. ProcessID is set iff Status is running.
type Record struct {
	Name         string         `json:"name"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status"`
	ProcessID    *int           `json:"process_id,omitempty"`
	ProcessStart int64          `json:"process_start_unix,omitempty"`
	Model        *ModelSpec     `json:"model,omitempty"`
	Retrieval    *RetrievalSpec `json:"retrieval,omitempty"`
	SQLEngine    *SQLEngineSpec `json:"sql_engine,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (r Record) Running() bool { return r.Status == StatusRunning }

// PID returns the recorded process id or 0.
func (r Record) PID() int {
	if r.ProcessID == nil {
		return 0
	}
	return *r.ProcessID
}

// Validate checks the record at the registry boundary.
func (r Record) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	set := 0
	for _, ok := range []bool{r.Model != nil, r.Retrieval != nil, r.SQLEngine != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return errs.InvalidState("service %q must carry exactly one launch spec", r.Name)
	}
	switch r.Kind {
	case KindModel:
		if r.Model == nil {
			return errs.InvalidState("service %q: kind model requires a model spec", r.Name)
		}
		return r.Model.validate()
	case KindRetrieval:
		if r.Retrieval == nil {
			return errs.InvalidState("service %q: kind retrieval requires a retrieval spec", r.Name)
		}
		return r.Retrieval.validate()
	case KindSQLEngine:
		if r.SQLEngine == nil {
			return errs.InvalidState("service %q: kind sql_engine requires a sql_engine spec", r.Name)
		}
		return r.SQLEngine.validate()
	}
	return errs.InvalidState("service %q: unknown kind %q", r.Name, r.Kind)
}

// ValidateName allows [A-Za-z0-9._-] without "..", since names become file
// names for logs.
func ValidateName(s string) error {
	if s == "" {
		return errs.InvalidState("service name required")
	}
	if strings.Contains(s, "..") {
		return errs.InvalidState("invalid service name %q", s)
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return errs.InvalidState("invalid service name %q: allowed [A-Za-z0-9._-]", s)
	}
	return nil
}

func (r Record) String() string {
	if r.Running() {
		return fmt.Sprintf("%s/%s running pid=%d", r.Kind, r.Name, r.PID())
	}
	return fmt.Sprintf("%s/%s %s", r.Kind, r.Name, r.Status)
}
