package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

// State is the life-cycle position of one attestation slot.
type State string

const (
	StateRequested         State = "Requested"
	StateAwaitingSelection State = "AwaitingSelection"
	StateRevealed          State = "Revealed"
	StateAwaitingCode      State = "AwaitingCode"
	StateValidating        State = "Validating"
	StateCompleting        State = "Completing"
	StateCompleted         State = "Completed"
	StateFailed            State = "Failed"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Slot is one of the N attestations of an attempt.
type Slot struct {
	Index          int            `json:"index"`
	Issuer         common.Address `json:"issuer"`
	ServiceURL     string         `json:"serviceUrl,omitempty"`
	ServiceVersion string         `json:"serviceVersion,omitempty"`
	Name           string         `json:"name,omitempty"`
	State          State          `json:"state"`
	Code           string         `json:"-"`
	LastError      string         `json:"lastError,omitempty"`
	NeedsRetry     bool           `json:"needsRetry,omitempty"`
}

// Channel is the delivery path a code arrived through.
type Channel string

const (
	ChannelAutoRead Channel = "auto_read"
	ChannelDeepLink Channel = "deep_link"
	ChannelManual   Channel = "manual"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelAutoRead, ChannelDeepLink, ChannelManual:
		return c, nil
	default:
		return "", fmt.Errorf("unknown code channel %q", s)
	}
}

// Code is a raw message pushed into the inbox.
type Code struct {
	RawMessage    string
	ExtractedCode string
	ShortCode     string
	Channel       Channel
	ExplicitIndex *int
	ReceivedAt    time.Time
}

// Assignment is a validated code bound to its slot, ready for completion.
type Assignment struct {
	Slot   int
	Issuer common.Address
	Code   string
	// Ignored is set when the message carried no code. Nothing was assigned.
	Ignored bool
}

// CompletionAttempt describes one submission of a complete transaction.
type CompletionAttempt struct {
	Slot      int
	Number    int
	LastError error
}

// Target identifies whose attestations are being collected.
type Target struct {
	Identifier  common.Hash
	Account     common.Address
	PhoneNumber string
	Pepper      string
}

// Result is the coordinator's final tally.
type Result struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Settings tunes the attestation flow.
type Settings struct {
	Required           int
	MaxActionable      int
	CompletionAttempts int
	RevealRetryDelay   time.Duration
	StatusRetries      int
	StatusRetryDelay   time.Duration
	SelectionBlocks    int
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		Required:           3,
		MaxActionable:      5,
		CompletionAttempts: 3,
		RevealRetryDelay:   10 * time.Second,
		StatusRetries:      3,
		StatusRetryDelay:   time.Second,
		SelectionBlocks:    20,
	}
}

// Slots is the attempt's slot table, shared by the coordinator, inbox and
// completion tasks.
type Slots struct {
	mu       sync.RWMutex
	slots    []Slot
	onChange func(Slot)
	changed  chan struct{}
}

// NewSlots allocates n slots in the AwaitingSelection state.
func NewSlots(n int, onChange func(Slot)) *Slots {
	slots := make([]Slot, n)
	for i := range slots {
		slots[i] = Slot{Index: i, State: StateAwaitingSelection}
	}
	return &Slots{slots: slots, onChange: onChange, changed: make(chan struct{}, 1)}
}

// Len is N.
func (t *Slots) Len() int {
	return len(t.slots)
}

// Snapshot copies the table.
func (t *Slots) Snapshot() []Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Slot(nil), t.slots...)
}

// Get returns slot i.
func (t *Slots) Get(i int) (Slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.slots) {
		return Slot{}, false
	}
	return t.slots[i], true
}

// Update mutates slot i and notifies watchers.
func (t *Slots) Update(i int, mutate func(*Slot)) Slot {
	t.mu.Lock()
	mutate(&t.slots[i])
	s := t.slots[i]
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(s)
	}
	select {
	case t.changed <- struct{}{}:
	default:
	}
	return s
}

// Changed signals after any update.
func (t *Slots) Changed() <-chan struct{} {
	return t.changed
}

// InState returns the slots currently in one of states, in index order.
func (t *Slots) InState(states ...State) []Slot {
	return lo.Filter(t.Snapshot(), func(s Slot, _ int) bool {
		return lo.Contains(states, s.State)
	})
}

// Tally counts completed and failed slots.
func (t *Slots) Tally() Result {
	snap := t.Snapshot()
	return Result{
		Completed: lo.CountBy(snap, func(s Slot) bool { return s.State == StateCompleted }),
		Failed:    lo.CountBy(snap, func(s Slot) bool { return s.State == StateFailed }),
		Total:     len(snap),
	}
}

// AllTerminal reports whether every slot is Completed or Failed.
func (t *Slots) AllTerminal() bool {
	return lo.EveryBy(t.Snapshot(), func(s Slot) bool { return s.State.Terminal() })
}
