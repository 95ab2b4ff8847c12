package volume

import (
	"fmt"

	"git.srvlab.io/whiskey/vold/pkg/utils"
)

// FilesystemLabel returns the label of the filesystem on the volume's first
// mountable node
func (v *Volume) FilesystemLabel() (string, error) {
	if v.env.Labels == nil {
		return "", fmt.Errorf("%w: no label reader configured", utils.ErrConfiguration)
	}

	nodes, err := v.deviceNodes()
	if err != nil {
		return "", err
	}

	label, err := v.env.Labels.ReadLabel(v.env.devicePath(nodes[0].Dev))
	if err != nil {
		return "", fmt.Errorf("unable to read label of volume %s: %w", v.cfg.Label, err)
	}
	return label, nil
}
