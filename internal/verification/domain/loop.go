package domain

import (
	"context"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/validation"
)

type message interface{ isMessage() }

type (
	startReply struct {
		status Status
		err    error
	}
	startMsg struct {
		req   StartRequest
		reply chan startReply
	}
	clearReply struct {
		phone string
		err   error
	}
	// clearMsg returns the controller to a blank Idle and holds off new
	// attempts until resetDoneMsg.
	clearMsg       struct{ reply chan clearReply }
	resetDoneMsg   struct{}
	cancelMsg      struct{ reply chan error }
	statusMsg      struct{ reply chan Status }
	attemptMsg     struct{ reply chan *Attempt }
	subscribeMsg   struct{ ch chan Status }
	unsubscribeMsg struct{ ch chan Status }

	// phaseMsg moves the attempt to a new phase and applies an optional
	// status change in the same step.
	phaseMsg struct {
		attempt string
		phase   Phase
		mutate  func(*Status)
	}
	// slotMsg tells the loop that a slot of the attempt changed.
	slotMsg struct {
		attempt string
		slot    attestations.Slot
	}
	finishedMsg struct {
		attempt string
		phase   Phase
	}
)

func (startMsg) isMessage()       {}
func (cancelMsg) isMessage()      {}
func (statusMsg) isMessage()      {}
func (attemptMsg) isMessage()     {}
func (clearMsg) isMessage()       {}
func (resetDoneMsg) isMessage()   {}
func (subscribeMsg) isMessage()   {}
func (unsubscribeMsg) isMessage() {}
func (phaseMsg) isMessage()       {}
func (slotMsg) isMessage()        {}
func (finishedMsg) isMessage()    {}

// loopState is owned by the loop goroutine.
type loopState struct {
	phase       Phase
	status      Status
	current     *Attempt
	resetting   bool
	subscribers map[chan Status]struct{}
}

func (c *Controller) loop() {
	defer c.wg.Done()

	st := &loopState{
		phase:       Idle{},
		status:      Status{Phase: PhaseIdle, Account: c.signer.Hex(), UpdatedAt: c.now()},
		subscribers: map[chan Status]struct{}{},
	}
	defer func() {
		for ch := range st.subscribers {
			close(ch)
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case m := <-c.mailbox:
			if c.handle(st, m) {
				st.status.UpdatedAt = c.now()
				c.broadcast(st)
			}
		}
	}
}

// handle applies m to st and reports whether the status changed.
func (c *Controller) handle(st *loopState, m message) bool {
	switch m := m.(type) {
	case statusMsg:
		m.reply <- copyStatus(st.status)
		return false

	case attemptMsg:
		if st.current != nil && acceptsCodes(st.phase) && st.current.coordinator.Load() != nil {
			m.reply <- st.current
		} else {
			m.reply <- nil
		}
		return false

	case startMsg:
		if st.status.Running() {
			m.reply <- startReply{err: ErrAttemptInProgress}
			return false
		}
		if st.resetting {
			m.reply <- startReply{err: ErrResetInProgress}
			return false
		}
		a := c.newAttempt(m.req)
		st.current = a
		st.phase = CheckingRelayerReady{}
		st.status = Status{
			AttemptID:   a.ID,
			Phase:       PhaseCheckingRelayerReady,
			PhoneNumber: m.req.PhoneNumber,
			Account:     c.signer.Hex(),
			Total:       c.settings.Attestations.Required,
			StartedAt:   a.started,
		}
		c.observePhase(PhaseCheckingRelayerReady)
		c.wg.Add(1)
		go c.run(a)
		m.reply <- startReply{status: copyStatus(st.status)}
		return true

	case cancelMsg:
		if !st.status.Running() || st.current == nil {
			m.reply <- ErrNoActiveAttempt
			return false
		}
		st.current.abandon()
		c.logger.Info("verification cancelled", "attempt", st.current.ID, "phase", st.phase.Name())
		st.current = nil
		st.phase = Idle{}
		st.status.Phase = PhaseIdle
		st.status.Error = nil
		m.reply <- nil
		return true

	case clearMsg:
		switch {
		case st.status.Running() || st.current != nil:
			m.reply <- clearReply{err: ErrAttemptInProgress}
			return false
		case st.resetting:
			m.reply <- clearReply{err: ErrResetInProgress}
			return false
		}
		m.reply <- clearReply{phone: st.status.PhoneNumber}
		st.resetting = true
		st.phase = Idle{}
		st.status = Status{Phase: PhaseIdle, Account: c.signer.Hex()}
		return true

	case resetDoneMsg:
		st.resetting = false
		return false

	case subscribeMsg:
		st.subscribers[m.ch] = struct{}{}
		m.ch <- copyStatus(st.status)
		return false

	case unsubscribeMsg:
		if _, ok := st.subscribers[m.ch]; ok {
			delete(st.subscribers, m.ch)
			close(m.ch)
		}
		return false

	case phaseMsg:
		if !st.owns(m.attempt) {
			return false
		}
		if m.mutate != nil {
			m.mutate(&st.status)
		}
		if m.phase != nil {
			st.phase = m.phase
			st.status.Phase = m.phase.Name()
			c.observePhase(m.phase.Name())
		}
		c.advance(st)
		return true

	case slotMsg:
		if !st.owns(m.attempt) {
			return false
		}
		if c.deps.Recorder != nil {
			c.deps.Recorder.SlotChanged(string(m.slot.State))
		}
		c.advance(st)
		return true

	case finishedMsg:
		if !st.owns(m.attempt) {
			return false
		}
		st.phase = m.phase
		st.status.Phase = m.phase.Name()
		c.refreshSlots(st)
		switch p := m.phase.(type) {
		case Failed:
			e := p.Err
			st.status.Error = &e
		case Succeeded:
			if p.AlreadyVerified {
				st.status.Completed = st.status.Total
			}
		}
		if c.deps.Recorder != nil {
			c.deps.Recorder.AttemptFinished(string(m.phase.Name()), st.status.Relayed, c.now().Sub(st.current.started))
		}
		st.current = nil
		return true
	}
	return false
}

// owns reports whether messages from attempt still apply.
func (st *loopState) owns(attempt string) bool {
	return st.current != nil && st.current.ID == attempt
}

// advance refreshes the slot view and moves AwaitingCodes to Completing once
// every unfinished slot holds a code.
func (c *Controller) advance(st *loopState) {
	c.refreshSlots(st)
	if _, ok := st.phase.(AwaitingCodes); ok && codesInFlight(st.status.Slots) {
		st.phase = Completing{}
		st.status.Phase = PhaseCompleting
		c.observePhase(PhaseCompleting)
	}
}

func (c *Controller) refreshSlots(st *loopState) {
	if st.current == nil {
		return
	}
	coord := st.current.coordinator.Load()
	if coord == nil {
		return
	}
	st.status.Slots = coord.Slots()
	st.status.Completed = coord.Tally().Completed
}

func (c *Controller) broadcast(st *loopState) {
	for ch := range st.subscribers {
		select {
		case ch <- copyStatus(st.status):
		default:
		}
	}
}

func (c *Controller) observePhase(p PhaseName) {
	if c.deps.Recorder != nil {
		c.deps.Recorder.PhaseEntered(string(p))
	}
}

func (c *Controller) newAttempt(req StartRequest) *Attempt {
	ctx, cancel := context.WithTimeout(c.ctx, c.settings.Timeout)
	id := newAttemptID()
	return &Attempt{
		ID:      id,
		Request: req,
		ctx:     ctx,
		cancel:  cancel,
		started: c.now(),
		logger:  c.logger.With("attempt", id, "phone", validation.MaskPhoneNumber(req.PhoneNumber)),
	}
}

func copyStatus(s Status) Status {
	s.Slots = append([]attestations.Slot(nil), s.Slots...)
	if s.Quota != nil {
		q := *s.Quota
		s.Quota = &q
	}
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}
