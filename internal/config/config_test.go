package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
listens:
  - address: 127.0.0.1
    port: 59661
machines:
  laser:
    description: Big laser cutter
    disclose: lab.laser.disclose
    read: lab.laser.read
    write: lab.laser.write
    manage: lab.laser.manage
  printer:
    disclose: lab.printer.disclose
    read: lab.printer.read
    write: lab.printer.write
    manage: lab.printer.manage
    initiator_default_perm: lab.printer.write
actors:
  relay:
    module: Shelly
    params:
      topic: laser-main
initiators:
  button:
    module: Dummy
actor_connections:
  - machine: laser
    adapter: relay
init_connections:
  - machine: printer
    adapter: button
roles:
  member:
    permissions:
      - lab.laser.read
  steward:
    parents: [member]
    permissions:
      - lab.*
db_path: /var/lib/fabaccess
mqtt_url: mqtt://localhost:1883
nats_url: nats://localhost:4222
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Len(t, cfg.Listens, 1)
	assert.Equal(t, uint16(59661), cfg.Listens[0].Port)
	assert.Equal(t, "Big laser cutter", cfg.Machines["laser"].Description)
	assert.Equal(t, "lab.printer.write", cfg.Machines["printer"].InitiatorDefaultPerm)
	assert.Equal(t, "Shelly", cfg.Actors["relay"].Module)
	assert.Equal(t, "laser-main", cfg.Actors["relay"].Params["topic"])
	assert.Equal(t, []string{"member"}, cfg.Roles["steward"].Parents)

	r := cfg.Resource("laser")
	assert.Equal(t, "laser", r.ID)
	assert.Equal(t, "lab.laser.manage", r.ManagePerm)
}

func TestUnknownKeyIsFatal(t *testing.T) {
	_, err := Parse(strings.NewReader(sample + "\nfrobnicate: true\n"))
	require.Error(t, err)
}

func TestDanglingEdgeIsFatal(t *testing.T) {
	bad := strings.Replace(sample, "machine: laser", "machine: mill", 1)
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown machine")
}

func TestUnknownRoleParentIsFatal(t *testing.T) {
	bad := strings.Replace(sample, "parents: [member]", "parents: [phantom]", 1)
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parent")
}

func TestRenderRoundTrip(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	out, err := cfg.Render()
	require.NoError(t, err)

	again, err := Parse(strings.NewReader(string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
