package ops

import (
	"errors"
	"testing"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/task"
)

func TestRegister(t *testing.T) {
	reg := task.NewRegistry()
	if err := Register(reg, Deps{Log: logging.NewNop()}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, typ := range []task.Type{
		TypeSyncFolder, TypeModifyFlags, TypeMoveMessages,
		TypeSendMessage, TypeCreateFolder,
	} {
		if _, err := reg.Lookup(typ); err != nil {
			t.Errorf("Lookup(%s): %v", typ, err)
		}
	}
}

func TestClassify(t *testing.T) {
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}

	auth := classify(&account.AuthError{AccountID: "a1", Message: "rejected"})
	if !task.IsPermanent(auth) {
		t.Fatalf("auth failure classified as %v, want permanent", auth)
	}
	unavailable := classify(&account.UnavailableError{AccountID: "a1", Reason: "disabled"})
	if !task.IsPermanent(unavailable) {
		t.Fatalf("unavailable account classified as %v, want permanent", unavailable)
	}

	network := classify(errors.New("connection reset"))
	if !task.IsTransient(network) {
		t.Fatalf("network failure classified as %v, want transient", network)
	}
}

func TestRequireFields(t *testing.T) {
	if err := requireFields("account_id", "a1", "folder", "INBOX"); err != nil {
		t.Fatalf("requireFields with all set: %v", err)
	}
	err := requireFields("account_id", "a1", "folder", "")
	if !task.IsPermanent(err) {
		t.Fatalf("requireFields with missing field = %v, want permanent", err)
	}
}
