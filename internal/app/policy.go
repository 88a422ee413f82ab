package app

import "github.com/dkeye/voicerelay/internal/domain"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	HangUp
)

func (a BackpressureAction) String() string {
	if a == HangUp {
		return "hangup"
	}
	return "drop"
}

// Policy decides what happens to a call whose outbound queue is full.
type Policy interface {
	OnBackPressure(call domain.CallInfo) BackpressureAction
}

type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.CallInfo) BackpressureAction { return DropFrame }

type HangUpPolicy struct{}

func (HangUpPolicy) OnBackPressure(domain.CallInfo) BackpressureAction { return HangUp }

// PolicyFor maps the configured name to a policy. Anything but "hangup" drops.
func PolicyFor(name string) Policy {
	if name == "hangup" {
		return HangUpPolicy{}
	}
	return DropPolicy{}
}
