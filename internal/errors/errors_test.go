// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindPoolExhausted, "no free overlay addresses")
	if GetKind(err) != KindPoolExhausted {
		t.Errorf("expected KindPoolExhausted, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsKind(t *testing.T) {
	err := New(KindUnauthorized, "bad admin token")
	if !IsKind(err, KindUnauthorized) {
		t.Error("expected IsKind to match KindUnauthorized")
	}
	if IsKind(err, KindTimeout) {
		t.Error("did not expect KindTimeout to match")
	}
	if IsKind(nil, KindUnknown) != true {
		t.Error("nil classifies as unknown")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindUnauthorized:  "unauthorized",
		KindPoolExhausted: "pool_exhausted",
		KindDisconnected:  "disconnected",
		KindTimeout:       "timeout",
		KindCanceled:      "canceled",
		KindConflict:      "conflict",
		Kind(99):          "unknown",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindValidation, "invalid input")
	err = Attr(err, "field", "port")
	err = Attr(err, "value", 80)

	attrs := GetAttributes(err)
	if attrs["field"] != "port" {
		t.Errorf("expected port, got %v", attrs["field"])
	}
	if attrs["value"] != 80 {
		t.Errorf("expected 80, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "register")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "port" || allAttrs["operation"] != "register" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestCode(t *testing.T) {
	err := WithCode(New(KindConflict, "hostname already registered"), "NODE_EXISTS")
	if Code(err) != "NODE_EXISTS" {
		t.Errorf("expected NODE_EXISTS, got %q", Code(err))
	}

	// The code survives further wrapping.
	wrapped := Wrap(err, KindInternal, "register failed")
	if Code(wrapped) != "NODE_EXISTS" {
		t.Errorf("expected NODE_EXISTS through wrap, got %q", Code(wrapped))
	}

	if Code(New(KindConflict, "no code attached")) != "" {
		t.Error("expected empty code when none was attached")
	}
	if Code(errors.New("std error")) != "" {
		t.Error("expected empty code for a std error")
	}
}
