package machine

import (
	"github.com/abergmeier/fabaccess-server/internal/models"
)

// requirement is one cell of the transition legality table. The boolean
// alternatives are OR-ed: a request passes if any set alternative holds.
type requirement struct {
	deny   bool // ✗ regardless of principal
	noop   bool // — legal no-op, no permission needed
	owner  bool // actor equals the user embedded in the current state
	write  bool // actor holds the resource's write permission
	manage bool // actor holds the resource's manage permission
}

var (
	cellDeny          = requirement{deny: true}
	cellNoop          = requirement{noop: true}
	cellOwner         = requirement{owner: true}
	cellWrite         = requirement{write: true}
	cellManage        = requirement{manage: true}
	cellOwnerOrManage = requirement{owner: true, manage: true}
)

// classify resolves the legality cell for a requested transition. actor is
// the requesting principal ("" for anonymous initiator proposals; anonymous
// principals never satisfy an owner cell).
func classify(current, target models.MachineState, actor models.UserID) requirement {
	// Targets that carry a user are only addressable as "me" or "other";
	// a userless InUse/Reserved/ToCheck is malformed and denied outright.
	switch target.Status {
	case models.StatusInUse, models.StatusReserved, models.StatusToCheck:
		if target.User == "" {
			return cellDeny
		}
	}

	toMe := actor != "" && target.User == actor

	switch current.Status {
	case models.StatusFree:
		switch target.Status {
		case models.StatusFree:
			return cellNoop
		case models.StatusInUse:
			if toMe {
				return cellWrite
			}
			return cellManage
		case models.StatusBlocked, models.StatusDisabled:
			return cellManage
		case models.StatusReserved:
			if toMe {
				return cellWrite
			}
		}

	case models.StatusInUse:
		switch target.Status {
		case models.StatusFree:
			return cellOwnerOrManage
		case models.StatusInUse:
			if toMe {
				return cellOwner
			}
			return cellManage
		case models.StatusToCheck:
			return cellOwnerOrManage
		case models.StatusBlocked, models.StatusDisabled:
			return cellManage
		}

	case models.StatusToCheck:
		switch target.Status {
		case models.StatusFree:
			return cellManage
		case models.StatusToCheck:
			if target.Same(current) {
				return cellNoop
			}
		case models.StatusBlocked, models.StatusDisabled:
			return cellManage
		}

	case models.StatusBlocked:
		switch target.Status {
		case models.StatusFree, models.StatusDisabled:
			return cellManage
		case models.StatusBlocked:
			if target.Same(current) {
				return cellNoop
			}
			// re-blocking with a different reason is an admin action
			return cellManage
		}

	case models.StatusDisabled:
		switch target.Status {
		case models.StatusFree, models.StatusBlocked:
			return cellManage
		case models.StatusDisabled:
			if target.Same(current) {
				return cellNoop
			}
			return cellManage
		}

	case models.StatusReserved:
		switch target.Status {
		case models.StatusFree:
			return cellOwnerOrManage
		case models.StatusInUse:
			if toMe && target.User == current.User {
				return cellOwner
			}
		case models.StatusBlocked, models.StatusDisabled:
			return cellManage
		case models.StatusReserved:
			if target.Same(current) {
				return cellNoop
			}
		}
	}

	return cellDeny
}
