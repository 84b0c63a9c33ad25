package lua

import (
	"reflect"
	"testing"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/tickler/internal/dispatch"
)

func TestBridgeToGoValue(t *testing.T) {
	L := glua.NewState()
	defer L.Close()
	bridge := NewBridge(L)

	tests := []struct {
		name     string
		input    glua.LValue
		expected any
	}{
		{"nil", glua.LNil, nil},
		{"true", glua.LTrue, true},
		{"integer", glua.LNumber(42), int64(42)},
		{"float", glua.LNumber(3.14), 3.14},
		{"string", glua.LString("hello"), "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bridge.ToGoValue(tt.input); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("ToGoValue() = %#v, want %#v", got, tt.expected)
			}
		})
	}
}

func TestBridgeToGoValueTable(t *testing.T) {
	L := glua.NewState()
	defer L.Close()
	bridge := NewBridge(L)

	if err := L.DoString(`
		arr = {"a", "b"}
		obj = {name = "x", tags = {"t"}}
		sparse = {[1] = "a", [3] = "c"}
		cyc = {}
		cyc.self = cyc
	`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	if got := bridge.ToGoValue(L.GetGlobal("arr")); !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Errorf("arr = %#v", got)
	}
	want := map[string]any{"name": "x", "tags": []any{"t"}}
	if got := bridge.ToGoValue(L.GetGlobal("obj")); !reflect.DeepEqual(got, want) {
		t.Errorf("obj = %#v", got)
	}
	if got := bridge.ToGoValue(L.GetGlobal("sparse")); !reflect.DeepEqual(got, map[string]any{"1": "a", "3": "c"}) {
		t.Errorf("sparse = %#v", got)
	}
	if got := bridge.ToGoValue(L.GetGlobal("cyc")); !reflect.DeepEqual(got, map[string]any{"self": nil}) {
		t.Errorf("cyc = %#v", got)
	}
}

func TestBridgeToLuaValueStruct(t *testing.T) {
	L := glua.NewState()
	defer L.Close()
	bridge := NewBridge(L)

	type track struct {
		Title    string `json:"title"`
		Duration int    `json:"duration,omitempty"`
		Secret   string `json:"-"`
		hidden   bool
	}

	lv := bridge.ToLuaValue(&track{Title: "song", Duration: 180, Secret: "s", hidden: true})
	tbl, ok := lv.(*glua.LTable)
	if !ok {
		t.Fatalf("ToLuaValue() = %T, want table", lv)
	}
	if tbl.RawGetString("title") != glua.LString("song") {
		t.Errorf("title = %v", tbl.RawGetString("title"))
	}
	if tbl.RawGetString("duration") != glua.LNumber(180) {
		t.Errorf("duration = %v", tbl.RawGetString("duration"))
	}
	if tbl.RawGetString("Secret") != glua.LNil || tbl.RawGetString("hidden") != glua.LNil {
		t.Error("skipped fields should not be converted")
	}
}

func TestBridgeActionRoundTrip(t *testing.T) {
	L := glua.NewState()
	defer L.Close()
	bridge := NewBridge(L)

	in := dispatch.Action{
		Type:    "player/PLAY",
		Payload: map[string]any{"id": "abc", "position": int64(3)},
		Meta:    map[string]any{"source": "test"},
	}
	out, ok := bridge.TableToAction(bridge.ActionToTable(in))
	if !ok {
		t.Fatal("TableToAction() ok = false")
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %#v, want %#v", out, in)
	}

	if _, ok := bridge.TableToAction(glua.LString("x")); ok {
		t.Error("TableToAction(string) ok = true")
	}
	if _, ok := bridge.TableToAction(L.NewTable()); ok {
		t.Error("TableToAction(table without type) ok = true")
	}
}

func TestBridgeWrapGoFunc(t *testing.T) {
	L := glua.NewState()
	defer L.Close()
	bridge := NewBridge(L)

	L.SetGlobal("double", L.NewFunction(bridge.WrapGoFunc(func(args []any) (any, error) {
		n, _ := args[0].(int64)
		return n * 2, nil
	})))
	if err := L.DoString(`result = double(21)`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if got := L.GetGlobal("result"); got != glua.LNumber(42) {
		t.Errorf("result = %v, want 42", got)
	}
}
