package lib

// State is a TCP connection state. CLOSING is folded into FIN_WAIT_1: a peer
// FIN seen there is remembered until our own FIN is acknowledged.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateTimeWait
	numStates
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || s >= numStates {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// synchronized reports whether both sides know each other's sequence
// numbers.
func (s State) synchronized() bool {
	return s >= StateEstablished
}

// Event is an input to the connection state machine.
type Event int

const (
	EventPassiveOpen Event = iota
	EventActiveOpen
	EventSyn
	EventSynAck
	EventAck // acknowledges our SYN or FIN
	EventFin
	EventRst
	EventClose
	EventTimeout
	EventTimeWaitExpired
	numEvents
)

var eventNames = [...]string{
	EventPassiveOpen:     "passive-open",
	EventActiveOpen:      "active-open",
	EventSyn:             "syn",
	EventSynAck:          "syn-ack",
	EventAck:             "ack",
	EventFin:             "fin",
	EventRst:             "rst",
	EventClose:           "close",
	EventTimeout:         "timeout",
	EventTimeWaitExpired: "time-wait-expired",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return "unknown"
	}
	return eventNames[e]
}

// Action is what the engine must do after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionSendSyn
	ActionSendSynAck
	ActionSendAck
	ActionSendFin
	ActionSendRst
	ActionAbort
	ActionDestroy
	ActionIgnore
)

var actionNames = [...]string{
	ActionNone:       "none",
	ActionSendSyn:    "send-syn",
	ActionSendSynAck: "send-syn-ack",
	ActionSendAck:    "send-ack",
	ActionSendFin:    "send-fin",
	ActionSendRst:    "send-rst",
	ActionAbort:      "abort",
	ActionDestroy:    "destroy",
	ActionIgnore:     "ignore",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

type transition struct {
	next   State
	action Action
}

// transitions lists every (state, event) pair that does something other
// than leave the state unchanged and ignore the event.
var transitions = map[State]map[Event]transition{
	StateClosed: {
		EventPassiveOpen: {StateListen, ActionNone},
		EventActiveOpen:  {StateSynSent, ActionSendSyn},
		EventSyn:         {StateClosed, ActionSendRst},
		EventSynAck:      {StateClosed, ActionSendRst},
		EventAck:         {StateClosed, ActionSendRst},
		EventFin:         {StateClosed, ActionSendRst},
		EventClose:       {StateClosed, ActionNone},
	},
	StateListen: {
		EventActiveOpen: {StateSynSent, ActionSendSyn},
		EventSyn:        {StateSynReceived, ActionSendSynAck},
		EventSynAck:     {StateListen, ActionSendRst},
		EventAck:        {StateListen, ActionSendRst},
		EventFin:        {StateListen, ActionSendRst},
		EventClose:      {StateClosed, ActionDestroy},
	},
	StateSynSent: {
		EventSyn:     {StateSynReceived, ActionSendSynAck},
		EventSynAck:  {StateEstablished, ActionSendAck},
		EventAck:     {StateSynSent, ActionSendRst},
		EventRst:     {StateClosed, ActionAbort},
		EventClose:   {StateClosed, ActionDestroy},
		EventTimeout: {StateClosed, ActionAbort},
	},
	StateSynReceived: {
		EventSyn:     {StateSynReceived, ActionSendSynAck},
		EventSynAck:  {StateSynReceived, ActionSendRst},
		EventAck:     {StateEstablished, ActionNone},
		EventFin:     {StateCloseWait, ActionSendAck},
		EventRst:     {StateClosed, ActionAbort},
		EventClose:   {StateFinWait1, ActionSendFin},
		EventTimeout: {StateClosed, ActionAbort},
	},
	StateEstablished: {
		EventSyn:     {StateClosed, ActionSendRst},
		EventSynAck:  {StateEstablished, ActionSendAck},
		EventFin:     {StateCloseWait, ActionSendAck},
		EventRst:     {StateClosed, ActionAbort},
		EventClose:   {StateFinWait1, ActionSendFin},
		EventTimeout: {StateClosed, ActionAbort},
	},
	StateFinWait1: {
		EventSyn:     {StateClosed, ActionSendRst},
		EventSynAck:  {StateFinWait1, ActionSendAck},
		EventAck:     {StateFinWait2, ActionNone},
		EventFin:     {StateFinWait1, ActionSendAck},
		EventRst:     {StateClosed, ActionAbort},
		EventTimeout: {StateClosed, ActionAbort},
	},
	StateFinWait2: {
		EventSyn:     {StateClosed, ActionSendRst},
		EventSynAck:  {StateFinWait2, ActionSendAck},
		EventFin:     {StateTimeWait, ActionSendAck},
		EventRst:     {StateClosed, ActionAbort},
		EventTimeout: {StateClosed, ActionDestroy},
	},
	StateCloseWait: {
		EventSyn:     {StateClosed, ActionSendRst},
		EventSynAck:  {StateCloseWait, ActionSendAck},
		EventFin:     {StateCloseWait, ActionSendAck},
		EventRst:     {StateClosed, ActionAbort},
		EventClose:   {StateLastAck, ActionSendFin},
		EventTimeout: {StateClosed, ActionAbort},
	},
	StateLastAck: {
		EventSyn:     {StateClosed, ActionSendRst},
		EventAck:     {StateClosed, ActionDestroy},
		EventFin:     {StateLastAck, ActionSendAck},
		EventRst:     {StateClosed, ActionDestroy},
		EventTimeout: {StateClosed, ActionAbort},
	},
	StateTimeWait: {
		EventSyn:             {StateClosed, ActionSendRst},
		EventSynAck:          {StateTimeWait, ActionSendAck},
		EventFin:             {StateTimeWait, ActionSendAck},
		EventRst:             {StateClosed, ActionDestroy},
		EventTimeout:         {StateClosed, ActionDestroy},
		EventTimeWaitExpired: {StateClosed, ActionDestroy},
	},
}

// nextState is total: a pair missing from transitions keeps the state and
// is ignored.
func nextState(s State, e Event) (State, Action) {
	if t, ok := transitions[s][e]; ok {
		return t.next, t.action
	}
	return s, ActionIgnore
}
