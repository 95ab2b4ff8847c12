// Package mount provides the kernel-level mount primitives used by the volume
// lifecycle: plain, bind and move mounts, unmount, mount-table lookups and
// block device node creation.
//
// Errors returned by the Linux implementation wrap the raw errno, so callers
// can test for EBUSY, EINVAL or ENOENT with errors.Is.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - programmer errors, panics
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Mounted /dev/block/vold/179:1 to /mnt/sdcard", "Unmounted /path"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Checking if path is mounted", "Moving mount /a -> /b"
//   - V(5): Trace level - mount table parsing details
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package mount
