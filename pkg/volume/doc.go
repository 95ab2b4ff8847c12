// Package volume implements the per-volume lifecycle: the state machine,
// filesystem detection and mounting, staged mounts that hide the secure
// area, forced unmount with escalating process termination, encrypted
// device substitution and the legacy sdcard emulation.
//
// A Volume is driven by a single caller at a time. Only its state word is
// guarded internally so that media removal can be observed while a mount is
// in progress; the mount loop checks for it between partitions.
//
// Operation errors wrap the sentinels in pkg/utils and, where a syscall
// failed, the raw errno.
package volume
