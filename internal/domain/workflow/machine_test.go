package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		expected bool
	}{
		{StateRunning, false},
		{StateApproved, true},
		{StateRejected, true},
		{StateCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.expected {
				t.Errorf("State.IsTerminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_IsValid(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		expected bool
	}{
		{"running", StateRunning, true},
		{"cancelled", StateCancelled, true},
		{"invalid state", State("INVALID"), false},
		{"empty state", State(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsValid(); got != tt.expected {
				t.Errorf("State.IsValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestOutcome_IsDecided(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected bool
	}{
		{OutcomePending, false},
		{OutcomeApproved, true},
		{OutcomeRejected, true},
		{OutcomeSkipped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.IsDecided(); got != tt.expected {
				t.Errorf("Outcome.IsDecided() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildInstanceStateMachine(t *testing.T) {
	tests := []struct {
		name         string
		initialState State
		trigger      Trigger
		wantState    State
		wantError    bool
	}{
		{
			name:         "RUNNING -> RUNNING on ADVANCE",
			initialState: StateRunning,
			trigger:      TriggerAdvance,
			wantState:    StateRunning,
		},
		{
			name:         "RUNNING -> RUNNING on RESUBMIT",
			initialState: StateRunning,
			trigger:      TriggerResubmit,
			wantState:    StateRunning,
		},
		{
			name:         "RUNNING -> APPROVED on FINAL_APPROVE",
			initialState: StateRunning,
			trigger:      TriggerFinalApprove,
			wantState:    StateApproved,
		},
		{
			name:         "RUNNING -> REJECTED on REJECT",
			initialState: StateRunning,
			trigger:      TriggerReject,
			wantState:    StateRejected,
		},
		{
			name:         "RUNNING -> CANCELLED on CANCEL",
			initialState: StateRunning,
			trigger:      TriggerCancel,
			wantState:    StateCancelled,
		},
		{
			name:         "APPROVED accepts nothing",
			initialState: StateApproved,
			trigger:      TriggerAdvance,
			wantState:    StateApproved,
			wantError:    true,
		},
		{
			name:         "REJECTED cannot be cancelled",
			initialState: StateRejected,
			trigger:      TriggerCancel,
			wantState:    StateRejected,
			wantError:    true,
		},
		{
			name:         "CANCELLED cannot resubmit",
			initialState: StateCancelled,
			trigger:      TriggerResubmit,
			wantState:    StateCancelled,
			wantError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := BuildInstanceStateMachine(tt.initialState)

			err := machine.Fire(context.Background(), tt.trigger)

			if tt.wantError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if machine.State() != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, machine.State())
			}
		})
	}
}

func TestStateMachine_CanFire(t *testing.T) {
	machine := BuildInstanceStateMachine(StateRunning)
	if !machine.CanFire(TriggerAdvance) {
		t.Error("expected ADVANCE to be permitted in RUNNING")
	}

	terminal := BuildInstanceStateMachine(StateApproved)
	if terminal.CanFire(TriggerAdvance) {
		t.Error("expected no triggers in APPROVED")
	}
	if len(terminal.PermittedTriggers()) != 0 {
		t.Errorf("expected no permitted triggers, got %v", terminal.PermittedTriggers())
	}
}

func TestStateMachine_GuardBlocksTransition(t *testing.T) {
	builder := NewBuilder()
	builder.Configure(StateRunning).
		PermitIf(TriggerCancel, StateCancelled, func(ctx context.Context) bool { return false })
	machine := builder.Build(StateRunning)

	err := machine.Fire(context.Background(), TriggerCancel)
	if !errors.Is(err, ErrGuardFailed) {
		t.Errorf("expected ErrGuardFailed, got %v", err)
	}
	if machine.State() != StateRunning {
		t.Errorf("state changed despite failed guard: %s", machine.State())
	}
}
