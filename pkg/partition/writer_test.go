package partition

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExecCommand creates a mock exec.Cmd for testing
func mockExecCommand(stdout, stderr string, exitCode int) func(string, ...string) *exec.Cmd {
	return func(command string, args ...string) *exec.Cmd {
		cs := []string{"-test.run=TestHelperProcess", "--", command}
		cs = append(cs, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"STDOUT=" + stdout,
			"STDERR=" + stderr,
			"EXIT_CODE=" + fmt.Sprintf("%d", exitCode),
		}
		return cmd
	}
}

// TestHelperProcess is used by mockExecCommand to simulate command execution
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	_, _ = os.Stdout.WriteString(os.Getenv("STDOUT"))
	_, _ = os.Stderr.WriteString(os.Getenv("STDERR"))

	exitCode, _ := strconv.Atoi(os.Getenv("EXIT_CODE"))
	os.Exit(exitCode)
}

func TestRender_SdcardLayout(t *testing.T) {
	script, err := Render(SdcardLayout("/dev/block/vold/179:0"))
	require.NoError(t, err)

	expected := "label: dos\nunit: sectors\nsector-size: 512\n\n" +
		"start=2048, type=c, bootable, name=\"android_sdcard\"\n"
	assert.Equal(t, expected, script)
}

func TestRender_SizedPartitions(t *testing.T) {
	disk := DiskDescriptor{
		Device:     "/dev/block/vold/8:0",
		SectorSize: 512,
		SkipLBA:    2048,
		Partitions: []Spec{
			{Type: TypeFAT32, LenKB: 1024},
			{Type: 0x83, LenKB: -1},
		},
	}

	script, err := Render(disk)
	require.NoError(t, err)
	assert.Contains(t, script, "start=2048, size=2048, type=c\n")
	assert.Contains(t, script, "start=4096, type=83\n")
}

func TestRender_Invalid(t *testing.T) {
	tests := []struct {
		name string
		disk DiskDescriptor
	}{
		{name: "no partitions", disk: DiskDescriptor{SectorSize: 512}},
		{name: "zero sector size", disk: DiskDescriptor{Partitions: []Spec{{LenKB: -1}}}},
		{name: "unknown scheme", disk: DiskDescriptor{Scheme: Scheme(7), SectorSize: 512, Partitions: []Spec{{LenKB: -1}}}},
		{name: "rest-of-disk not last", disk: DiskDescriptor{SectorSize: 512, Partitions: []Spec{{LenKB: -1}, {LenKB: 10}}}},
		{name: "too many", disk: DiskDescriptor{SectorSize: 512, Partitions: make([]Spec, 5)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.disk)
			assert.Error(t, err)
		})
	}
}

func TestSfdiskWriter_Apply(t *testing.T) {
	var gotArgs []string
	w := &SfdiskWriter{execCommand: func(command string, args ...string) *exec.Cmd {
		gotArgs = append([]string{command}, args...)
		return mockExecCommand("", "", 0)(command, args...)
	}}

	require.NoError(t, w.Apply(SdcardLayout("/dev/block/vold/179:0")))
	assert.Equal(t, []string{"sfdisk", "--no-reread", "--wipe", "always", "/dev/block/vold/179:0"}, gotArgs)

	w = &SfdiskWriter{execCommand: mockExecCommand("", "device busy", 1)}
	assert.Error(t, w.Apply(SdcardLayout("/dev/block/vold/179:0")))
}
