package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/loop"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// ObbMask leaves obb contents readable by the owner only
const ObbMask = 0227

// ObbMounts tracks opaque binary blob images, each bound to its own loop device
type ObbMounts struct {
	alloc loop.Allocator

	mu     sync.Mutex
	mounts map[string]*obbMount
}

type obbMount struct {
	image  string
	dir    string
	binder loop.Binder
}

// NewObbMounts creates an empty set of obb mounts taking devices from alloc
func NewObbMounts(alloc loop.Allocator) *ObbMounts {
	return &ObbMounts{
		alloc:  alloc,
		mounts: make(map[string]*obbMount),
	}
}

// obbDir is the mount directory for image. It differs from loopDir for the
// same image so both kinds of mount can coexist.
func obbDir(base, image string) string {
	return filepath.Join(base, uuid.NewMD5(uuid.NameSpaceURL, []byte(image)).String())
}

// isBelow reports whether path lives below dir
func isBelow(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	return strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}

// Mount binds image to a free loop device and mounts it read-only for ownerUID
func (o *ObbMounts) Mount(env *Env, image string, ownerUID int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m, ok := o.mounts[image]; ok {
		return "", fmt.Errorf("%w: obb %s is mounted at %s", utils.ErrAlreadyMounted, image, m.dir)
	}
	if !filepath.IsAbs(image) {
		return "", fmt.Errorf("%w: obb image %q must be an absolute path", utils.ErrInvalidParameter, image)
	}
	if ownerUID < 0 {
		return "", fmt.Errorf("%w: invalid obb owner %d", utils.ErrInvalidParameter, ownerUID)
	}
	if _, err := os.Stat(image); err != nil {
		return "", fmt.Errorf("obb image %s: %w", image, err)
	}

	dir := obbDir(env.Paths.LoopDir, image)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("unable to create obb mountpoint %s: %w", dir, err)
	}

	binder, err := o.alloc.Allocate()
	if err != nil {
		removeDir(dir)
		return "", fmt.Errorf("no loop device for obb %s: %w", image, err)
	}
	if err := binder.Bind(image); err != nil {
		removeDir(dir)
		return "", err
	}

	device := binder.Path()
	winner, res := env.detectFilesystem(device)
	switch res {
	case fsdriver.Unrecoverable:
		releaseBinder(binder, dir)
		return "", fmt.Errorf("%w: obb image %s", utils.ErrUnrecoverableMedia, image)
	case fsdriver.NotRecognized:
		releaseBinder(binder, dir)
		return "", fmt.Errorf("%w: obb image %s", utils.ErrNoSuitableFilesystem, image)
	}

	opts := fsdriver.MountOptions{ReadOnly: true, UID: ownerUID, GID: 0, Mask: ObbMask}
	fsName, err := env.mountWithFallback(device, dir, winner, opts)
	if err != nil {
		releaseBinder(binder, dir)
		return "", err
	}

	o.mounts[image] = &obbMount{image: image, dir: dir, binder: binder}
	klog.V(2).Infof("Obb %s mounted at %s on %s as %s", image, dir, device, fsName)
	return dir, nil
}

// Unmount unmounts image and detaches its loop device
func (o *ObbMounts) Unmount(env *Env, image string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.mounts[image]
	if !ok {
		return fmt.Errorf("%w: obb %s", utils.ErrNotMounted, image)
	}
	return o.unmountLocked(env, m, force)
}

// UnmountUnder unmounts every image stored below dir. It keeps going past
// failures and returns the first one.
func (o *ObbMounts) UnmountUnder(env *Env, dir string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var firstErr error
	for _, image := range o.imagesLocked() {
		if !isBelow(image, dir) {
			continue
		}
		klog.Warningf("Obb %s lives on %s, unmounting it first", image, dir)
		if err := o.unmountLocked(env, o.mounts[image], force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnmountAll unmounts every image, returning the first failure
func (o *ObbMounts) UnmountAll(env *Env, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var firstErr error
	for _, image := range o.imagesLocked() {
		if err := o.unmountLocked(env, o.mounts[image], force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *ObbMounts) unmountLocked(env *Env, m *obbMount, force bool) error {
	if err := env.doUnmount(m.dir, force); err != nil {
		return fmt.Errorf("unable to unmount obb %s: %w", m.image, err)
	}
	removeDir(m.dir)
	if err := m.binder.Unbind(); err != nil {
		klog.Errorf("Failed to detach %s (%v)", m.binder.Path(), err)
	}
	delete(o.mounts, m.image)
	klog.V(2).Infof("Obb %s unmounted", m.image)
	return nil
}

// List returns the mounted images in lexical order
func (o *ObbMounts) List() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.imagesLocked()
}

func (o *ObbMounts) imagesLocked() []string {
	images := make([]string, 0, len(o.mounts))
	for image := range o.mounts {
		images = append(images, image)
	}
	sort.Strings(images)
	return images
}

// MountPath returns where image is mounted
func (o *ObbMounts) MountPath(image string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.mounts[image]
	if !ok {
		return "", fmt.Errorf("%w: obb %s", utils.ErrNotMounted, image)
	}
	return m.dir, nil
}

func releaseBinder(binder loop.Binder, dir string) {
	if err := binder.Unbind(); err != nil {
		klog.Errorf("Failed to detach %s (%v)", binder.Path(), err)
	}
	removeDir(dir)
}
