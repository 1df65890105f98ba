// Package publish turns drained agent state into uploaded batches.
//
// A batch gets its sequence number once, when it is created. Every retry of
// that batch uploads the same bytes with the same number, so the collector
// can drop duplicates. The acknowledgement cursor only moves on confirmed
// success.
package publish

import (
	"encoding/json"
	"fmt"

	"github.com/st-keller/codekeeper-agent/codebase"
	"github.com/st-keller/codekeeper-agent/registry"
	"github.com/st-keller/codekeeper-agent/standard"
)

// Kind distinguishes the two publishers.
type Kind string

const (
	KindCodeBase    Kind = "codebase"
	KindInvocations Kind = "invocations"
)

// Batch is one unit of publication.
type Batch struct {
	Kind            Kind                  `json:"kind"`
	Sequence        int64                 `json:"sequence"`
	CustomerID      int64                 `json:"customerId"`
	Run             standard.JvmRun       `json:"run"`
	CreatedAtMillis int64                 `json:"createdAtMillis"`
	Fingerprint     string                `json:"fingerprint,omitempty"`
	Invocations     []registry.Invocation `json:"invocations,omitempty"`
	CodeBase        *codebase.Inventory   `json:"codeBase,omitempty"`
}

// SizeHint is the number of records in the batch.
func (b *Batch) SizeHint() int {
	if b.CodeBase != nil {
		return len(b.CodeBase.Signatures)
	}
	return len(b.Invocations)
}

// Marshal serializes the batch for upload and for the spool.
func (b *Batch) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch is the inverse of Marshal.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if b.Kind != KindCodeBase && b.Kind != KindInvocations {
		return nil, fmt.Errorf("decode batch: unknown kind %q", b.Kind)
	}
	if b.Sequence <= 0 {
		return nil, fmt.Errorf("decode batch: invalid sequence %d", b.Sequence)
	}
	return &b, nil
}
