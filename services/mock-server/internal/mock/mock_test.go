package mock

import (
	"errors"
	"testing"
)

func TestDMFlow(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	ch, err := OpenDM("42")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := OpenDM("42")
	if again != ch {
		t.Fatalf("channel changed: %s -> %s", ch, again)
	}

	if _, err := PostMessage(ch, "hello"); err != nil {
		t.Fatal(err)
	}
	if got := Messages("42"); len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("messages = %+v", got)
	}

	SetBlocked("42", true)
	if _, err := PostMessage(ch, "again"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("want ErrBlocked, got %v", err)
	}
	SetBlocked("42", false)

	FailNext(1)
	if _, err := PostMessage(ch, "again"); !errors.Is(err, ErrInjected) {
		t.Fatalf("want ErrInjected, got %v", err)
	}
	if _, err := PostMessage(ch, "again"); err != nil {
		t.Fatal(err)
	}

	DropChannel("42")
	if _, err := PostMessage(ch, "stale"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
}

func TestOpenDM_RequiresRecipient(t *testing.T) {
	if _, err := OpenDM(""); err == nil {
		t.Fatal("empty recipient accepted")
	}
}
