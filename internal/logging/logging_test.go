package logging

import "testing"

func TestFields_renderOrdersKeys(t *testing.T) {
	f := Fields{"b": 2, "a": 1}
	got := f.render()
	want := " a=1 b=2"
	if got != want {
		t.Errorf("render() = %q, want %q", got, want)
	}
}

func TestFields_renderEmpty(t *testing.T) {
	f := Fields{}
	if got := f.render(); got != "" {
		t.Errorf("render() = %q, want empty", got)
	}
}

func TestNew_doesNotPanic(t *testing.T) {
	l := New("test")
	l.Info("hello", Fields{"k": "v"})
	l.Warn("uh oh", nil)
	l.Error("broke", Fields{"err": "boom"})
}
