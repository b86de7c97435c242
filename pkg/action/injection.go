package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strophon/actionserver/pkg/contracts"
)

// Injection is the data an action runs against: when it was loaded, the
// acting user and whatever domain objects the action fetched. Cascaded
// actions get one sub-injection each, appended in cascade order.
type Injection struct {
	Timestamp     int64           `json:"timestamp"`
	User          *contracts.User `json:"user,omitempty"`
	Data          any             `json:"data,omitempty"`
	SubInjections []*Injection    `json:"subInjections,omitempty"`
}

// NewInjection stamps the current time in milliseconds.
func NewInjection(user *contracts.User, data any) *Injection {
	return &Injection{Timestamp: time.Now().UnixMilli(), User: user, Data: data}
}

// AddSubInjection appends sub and returns i.
func (i *Injection) AddSubInjection(sub *Injection) *Injection {
	i.SubInjections = append(i.SubInjections, sub)
	return i
}

// SubInjection returns the sub-injection at idx.
func (i *Injection) SubInjection(idx int) (*Injection, error) {
	if i == nil || idx < 0 || idx >= len(i.SubInjections) {
		return nil, fmt.Errorf("action: no sub-injection at index %d", idx)
	}
	if i.SubInjections[idx] == nil {
		return nil, fmt.Errorf("action: sub-injection %d is empty", idx)
	}
	return i.SubInjections[idx], nil
}

// Snapshot serializes an injection for audit logging. The result does not
// change when the injection is mutated later.
func Snapshot(i *Injection) string {
	b, err := json.Marshal(i)
	if err != nil {
		return fmt.Sprintf("<unserializable injection: %v>", err)
	}
	return string(b)
}
