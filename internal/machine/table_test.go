package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

func TestClassify(t *testing.T) {
	free := models.Free()
	inUseA := models.InUse("a")
	toCheckA := models.ToCheck("a")
	blocked := models.Blocked("r")
	disabled := models.Disabled("hw")
	reservedA := models.Reserved("a")

	cases := []struct {
		name    string
		current models.MachineState
		target  models.MachineState
		actor   models.UserID
		want    requirement
	}{
		{"free is noop", free, models.Free(), "a", cellNoop},
		{"claim for self", free, models.InUse("a"), "a", cellWrite},
		{"claim for other", free, models.InUse("b"), "a", cellManage},
		{"free to tocheck", free, models.ToCheck("a"), "a", cellDeny},
		{"block from free", free, blocked, "a", cellManage},
		{"disable from free", free, disabled, "a", cellManage},
		{"reserve for self", free, models.Reserved("a"), "a", cellWrite},
		{"reserve for other", free, models.Reserved("b"), "a", cellDeny},

		{"release own", inUseA, models.Free(), "a", cellOwnerOrManage},
		{"release foreign", inUseA, models.Free(), "b", cellOwnerOrManage},
		{"handover to other", inUseA, models.InUse("b"), "b", cellManage},
		{"own tocheck", inUseA, models.ToCheck("a"), "a", cellOwnerOrManage},
		{"block in use", inUseA, blocked, "m", cellManage},
		{"reserve while in use", inUseA, models.Reserved("a"), "a", cellDeny},

		{"clear check", toCheckA, models.Free(), "m", cellManage},
		{"check to use", toCheckA, models.InUse("a"), "a", cellDeny},

		{"unblock", blocked, models.Free(), "m", cellManage},
		{"reblock same", blocked, models.Blocked("r"), "m", cellNoop},
		{"reblock other reason", blocked, models.Blocked("x"), "m", cellManage},
		{"blocked to use", blocked, models.InUse("a"), "a", cellDeny},

		{"enable", disabled, models.Free(), "m", cellManage},
		{"disabled to blocked", disabled, blocked, "m", cellManage},
		{"disabled to use", disabled, models.InUse("a"), "a", cellDeny},

		{"unreserve own", reservedA, models.Free(), "a", cellOwnerOrManage},
		{"use reservation", reservedA, models.InUse("a"), "a", cellOwner},
		{"steal reservation", reservedA, models.InUse("b"), "b", cellDeny},
		{"reserved to tocheck", reservedA, toCheckA, "a", cellDeny},

		{"userless inuse target", free, models.MachineState{Status: models.StatusInUse}, "a", cellDeny},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, classify(c.current, c.target, c.actor))
		})
	}
}
