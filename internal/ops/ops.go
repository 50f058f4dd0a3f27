// Package ops contains the concrete task types the engine schedules:
// folder sync, flag changes, moves, sends and folder creation. Each
// type composes the shared helpers explicitly; behavior is selected
// by registration, not inheritance.
package ops

import (
	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/task"
)

// Deps is the shared dependency set handed to every task type.
type Deps struct {
	Log *logging.Logger
}

// Register populates the registry with every task type.
func Register(reg *task.Registry, deps Deps) error {
	defs := []task.Definition{
		&SyncFolder{deps: deps},
		&ModifyFlags{deps: deps},
		&MoveMessages{deps: deps},
		&SendMessage{deps: deps},
		&CreateFolder{deps: deps},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Resource and tag naming shared by all task types.

func folderResource(accountID, folder string) sched.ResourceID {
	return sched.ResourceID("folder/" + accountID + "/" + folder)
}

func accountResource(accountID string) sched.ResourceID {
	return sched.ResourceID("account/" + accountID)
}

func smtpResource(accountID string) sched.ResourceID {
	return sched.ResourceID("smtp/" + accountID)
}

func accountTag(accountID string) sched.Tag {
	return sched.Tag("account:" + accountID)
}

func folderTag(accountID, folder string) sched.Tag {
	return sched.Tag("folder:" + accountID + "/" + folder)
}

func folderKey(accountID, folder string) string {
	return "folder/" + accountID + "/" + folder
}

func messagesKey(accountID, folder string) string {
	return "messages/" + accountID + "/" + folder
}

// classify translates account-layer failures into the engine
// taxonomy: rejected credentials and disabled accounts are permanent,
// anything else from the network is worth a retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if account.IsAuthError(err) || account.IsUnavailable(err) {
		return task.Permanent(err)
	}
	return task.Transient(err)
}

// splitOwner parses an "<account>/<folder>" aggregation key. Folder
// names may themselves contain slashes; only the first separates.
func splitOwner(owner task.OwnerID) (accountID, folder string, err error) {
	s := string(owner)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", task.Permanentf("malformed owner %q", owner)
}

// ownerID builds the aggregation key splitOwner parses.
func ownerID(accountID, folder string) task.OwnerID {
	return task.OwnerID(accountID + "/" + folder)
}

// OwnerID exposes the aggregation key format for submitters.
func OwnerID(accountID, folder string) task.OwnerID {
	return ownerID(accountID, folder)
}

func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return task.Permanentf("missing %s", pairs[i])
		}
	}
	return nil
}
