package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/smartpower/proto"
	"github.com/mbocsi/smartpower/simulator"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := Execute()
	return out.String(), err
}

func startSimulator(t *testing.T) *simulator.Device {
	t.Helper()
	d := simulator.New(simulator.Config{TCPAddr: "127.0.0.1:0", HighDeviceID: 1, LowDeviceID: 2})
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func TestStatusCommand(t *testing.T) {
	d := startSimulator(t)
	d.SetPin(3, proto.On)

	out, err := run(t, "status", "--addr", d.Addr())
	require.NoError(t, err)
	assert.Contains(t, out, d.Addr())
	assert.Contains(t, out, "smart_power_strip")
	assert.Contains(t, out, "0000000100000002")
	assert.Contains(t, out, "outlet 0: off")
	assert.Contains(t, out, "outlet 3: on")
}

func TestPowerCommands(t *testing.T) {
	d := startSimulator(t)

	_, err := run(t, "on", "--addr", d.Addr())
	require.NoError(t, err)
	for pin, state := range d.Pins() {
		assert.Equal(t, proto.On, state, "pin %d", pin)
	}

	out, err := run(t, "invert", "1", "--addr", d.Addr())
	require.NoError(t, err)
	assert.Equal(t, proto.Off, d.Pins()[1])
	assert.Contains(t, out, "outlet 1: off")

	_, err = run(t, "off", "--addr", d.Addr())
	require.NoError(t, err)
	for pin, state := range d.Pins() {
		assert.Equal(t, proto.Off, state, "pin %d", pin)
	}
}

func TestInvertCommand_Errors(t *testing.T) {
	d := startSimulator(t)

	_, err := run(t, "invert", "256", "--addr", d.Addr())
	assert.ErrorContains(t, err, "invalid pin")

	_, err = run(t, "invert", "9", "--addr", d.Addr())
	assert.ErrorContains(t, err, "invalid_pin")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:  dev")
}
