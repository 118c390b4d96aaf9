package core

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func newTestCatalog() *ActionCatalog {
	c := NewActionCatalog(zerolog.Nop())
	RegisterBuiltinActions(c, zerolog.Nop())
	return c
}

func TestCatalog_RegisterReplaces(t *testing.T) {
	c := NewActionCatalog(zerolog.Nop())
	c.Register(ActionDefinition{ID: "x", Name: "first"})
	c.Register(ActionDefinition{ID: "x", Name: "second"})

	def, ok := c.Get("x")
	if !ok || def.Name != "second" {
		t.Errorf("Get(x) = %+v, %v", def, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestCatalog_ListSorted(t *testing.T) {
	c := newTestCatalog()
	list := c.List()
	if len(list) != c.Len() {
		t.Fatalf("List has %d, Len %d", len(list), c.Len())
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Errorf("not sorted at %d: %s > %s", i, list[i-1].ID, list[i].ID)
		}
	}
}

func TestCatalog_ExecuteUnknown(t *testing.T) {
	c := newTestCatalog()
	res := c.Execute(context.Background(), "nope", ActionContext{TenantID: "t1"})
	if res.Success || res.Error != "Action nope not found" {
		t.Errorf("result = %+v", res)
	}
}

func TestCatalog_ExecuteMissingInput(t *testing.T) {
	c := newTestCatalog()
	res := c.Execute(context.Background(), "block_ip", ActionContext{TenantID: "t1"})
	if res.Success || res.Error != "Missing required parameter: ip" {
		t.Errorf("result = %+v", res)
	}
}

func TestCatalog_ValidateEmptyString(t *testing.T) {
	c := newTestCatalog()
	err := c.Validate("disable_user", map[string]any{"username": ""})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "username" {
		t.Errorf("err = %v", err)
	}
	if err := c.Validate("disable_user", map[string]any{"username": "bob"}); err != nil {
		t.Errorf("unexpected err %v", err)
	}
}

func TestCatalog_HandlerErrorAndPanic(t *testing.T) {
	c := NewActionCatalog(zerolog.Nop())
	c.Register(ActionDefinition{ID: "fails", Execute: func(context.Context, ActionContext) (ActionResult, error) {
		return ActionResult{Success: true, Output: "partial"}, errors.New("upstream 503")
	}})
	c.Register(ActionDefinition{ID: "panics", Execute: func(context.Context, ActionContext) (ActionResult, error) {
		panic("nil map")
	}})
	c.Register(ActionDefinition{ID: "nohandler"})

	res := c.Execute(context.Background(), "fails", ActionContext{})
	if res.Success || res.Error != "upstream 503" {
		t.Errorf("fails: %+v", res)
	}
	res = c.Execute(context.Background(), "panics", ActionContext{})
	if res.Success || res.Error != "nil map" {
		t.Errorf("panics: %+v", res)
	}
	res = c.Execute(context.Background(), "nohandler", ActionContext{})
	if res.Success {
		t.Errorf("nohandler: %+v", res)
	}
}

func TestBuiltin_BlockIP(t *testing.T) {
	c := newTestCatalog()
	res := c.Execute(context.Background(), "block_ip", ActionContext{
		TenantID: "t1",
		Inputs:   map[string]any{"ip": "203.0.113.7"},
	})
	if !res.Success {
		t.Fatalf("block_ip failed: %s", res.Error)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %#v", res.Data)
	}
	if data["action"] != "block" || data["target"] != "203.0.113.7" || data["duration"] != "1h" {
		t.Errorf("data = %v", data)
	}
	if len(res.Artifacts) == 0 {
		t.Error("expected an artifact")
	}
}

func TestBuiltin_BlockIPRejectsGarbage(t *testing.T) {
	c := newTestCatalog()
	for _, in := range []map[string]any{
		{"ip": "not-an-ip"},
		{"ip": "10.0.0.1", "duration": "forever"},
	} {
		res := c.Execute(context.Background(), "block_ip", ActionContext{TenantID: "t1", Inputs: in})
		if res.Success {
			t.Errorf("inputs %v should fail", in)
		}
	}
}

func TestBuiltin_OneOfInputs(t *testing.T) {
	c := newTestCatalog()
	ctx := context.Background()

	if res := c.Execute(ctx, "quarantine_file", ActionContext{Inputs: map[string]any{}}); res.Success {
		t.Error("quarantine_file without hash or path should fail")
	}
	if res := c.Execute(ctx, "quarantine_file", ActionContext{Inputs: map[string]any{"file_path": "/tmp/x.exe"}}); !res.Success {
		t.Errorf("quarantine_file by path: %s", res.Error)
	}
	if res := c.Execute(ctx, "revoke_session", ActionContext{Inputs: map[string]any{"username": "bob"}}); !res.Success {
		t.Errorf("revoke_session by username: %s", res.Error)
	}
}

func TestActionContext_Input(t *testing.T) {
	actx := ActionContext{Inputs: map[string]any{"s": "x", "n": 42, "nil": nil}}
	if actx.Input("s") != "x" || actx.Input("n") != "42" || actx.Input("nil") != "" || actx.Input("missing") != "" {
		t.Errorf("Input rendering wrong")
	}
}
