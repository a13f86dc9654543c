package handler

import (
	"context"
	"testing"

	"github.com/sequorhq/sequor/model"
)

func noopFunc(actionType string) Func {
	return Func{Type: actionType, Fn: func(context.Context, model.StepRequest) (model.StepResult, error) {
		return model.StepResult{Status: model.StepResultSucceeded}, nil
	}}
}

func TestRegistry_registerAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(noopFunc("send_email"))

	h, ok := r.Get("send_email")
	if !ok {
		t.Fatal("Get() did not find the registered handler")
	}
	if h.ActionType() != "send_email" {
		t.Errorf("ActionType() = %q", h.ActionType())
	}

	if _, ok := r.Get("nope"); ok {
		t.Error("Get() found an unregistered action type")
	}
}

func TestRegistry_duplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(noopFunc("send_email"))

	defer func() {
		if recover() == nil {
			t.Error("Register() did not panic on a duplicate action type")
		}
	}()
	r.Register(noopFunc("send_email"))
}

func TestRegistry_resolve(t *testing.T) {
	r := NewRegistry()
	r.Register(noopFunc("render_template"))
	r.Register(noopFunc("smtp_send"))

	def := model.SequenceDefinition{
		SequenceKey: "send_email",
		Steps: []model.SequenceStep{
			{StepKey: "render", ActionType: "render_template"},
			{StepKey: "deliver", ActionType: "smtp_send"},
		},
	}
	if err := r.Resolve(def); err != nil {
		t.Errorf("Resolve() error = %v", err)
	}

	def.Steps = append(def.Steps, model.SequenceStep{StepKey: "audit", ActionType: "unknown_action"})
	err := r.Resolve(def)
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("Resolve() error = %v, want BAD_REQUEST", err)
	}
}

func TestRegistry_resolveSkipsDisabledSteps(t *testing.T) {
	r := NewRegistry()
	r.Register(noopFunc("smtp_send"))

	def := model.SequenceDefinition{
		SequenceKey: "send_email",
		Steps: []model.SequenceStep{
			{StepKey: "deliver", ActionType: "smtp_send"},
			{StepKey: "retired", ActionType: "legacy_action", Disabled: true},
		},
	}
	if err := r.Resolve(def); err != nil {
		t.Errorf("Resolve() error = %v, disabled steps should not need handlers", err)
	}
}

func TestRegistry_actionTypesSorted(t *testing.T) {
	r := NewRegistry()
	for _, at := range []string{"webhook", "log", "smtp_send"} {
		r.Register(noopFunc(at))
	}

	got := r.ActionTypes()
	want := []string{"log", "smtp_send", "webhook"}
	if len(got) != len(want) {
		t.Fatalf("ActionTypes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ActionTypes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFunc_delegates(t *testing.T) {
	called := false
	f := Func{Type: "probe", Fn: func(_ context.Context, req model.StepRequest) (model.StepResult, error) {
		called = true
		return model.StepResult{Status: model.StepResultSucceeded, Output: map[string]any{"job": req.JobID}}, nil
	}}

	result, err := f.Execute(context.Background(), model.StepRequest{JobID: "job-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !called {
		t.Error("wrapped function not called")
	}
	if result.Output["job"] != "job-1" {
		t.Errorf("output = %v", result.Output)
	}
}
