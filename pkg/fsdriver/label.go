package fsdriver

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"
)

// LabelReader reads filesystem labels with blkid
type LabelReader struct {
	execCommand func(name string, args ...string) *exec.Cmd
}

// NewLabelReader creates a blkid-backed label reader
func NewLabelReader() *LabelReader {
	return &LabelReader{execCommand: exec.Command}
}

// ReadLabel returns the filesystem label of device, empty when it has none
func (r *LabelReader) ReadLabel(device string) (string, error) {
	output, err := r.execCommand("blkid", "-o", "value", "-s", "LABEL", device).Output()
	if err != nil {
		var exitErr *exec.ExitError
		// blkid exits 2 when the tag is absent
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return "", nil
		}
		return "", fmt.Errorf("blkid failed on %s: %w", device, err)
	}

	label := strings.TrimSpace(string(output))
	klog.V(4).Infof("Filesystem label of %s is %q", device, label)
	return label, nil
}
