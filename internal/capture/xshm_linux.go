//go:build linux

package capture

/*
#cgo pkg-config: x11 xext xfixes
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

// ---------------------------------------------------------------------------
// XShm capturer — X11 shared-memory screen capture with cursor compositing.
// ---------------------------------------------------------------------------

typedef struct {
	Display *display;
	Window root;
	int screen;
	XShmSegmentInfo shminfo;
	XImage *image;
	int width;
	int height;
} XShmCapturer;

// xshm_alloc_image (re)allocates the shared-memory XImage at the capturer's
// current c->width/c->height. Caller must have already torn down any prior
// image/segment.
static int xshm_alloc_image(XShmCapturer *c) {
	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, c->screen),
		DefaultDepth(c->display, c->screen),
		ZPixmap, NULL, &c->shminfo,
		c->width, c->height);
	if (!c->image) return -1;

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		c->image = NULL;
		return -1;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		c->image = NULL;
		return -1;
	}

	// Mark for removal so it's cleaned up when we detach
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);
	return 0;
}

static void xshm_free_image(XShmCapturer *c) {
	if (!c->image) return;
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	c->image = NULL;
}

static XShmCapturer* xshm_init(const char *display_name) {
	XShmCapturer *c = (XShmCapturer*)calloc(1, sizeof(XShmCapturer));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }

	c->screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, c->screen);
	c->width = DisplayWidth(c->display, c->screen);
	c->height = DisplayHeight(c->display, c->screen);

	if (xshm_alloc_image(c) != 0) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	return c;
}

// xshm_resync reports whether the root window's size has changed since the
// image was last (re)allocated and, if so, tears down and recreates the
// shared-memory image at the new size. Returns 1 if dimensions changed and
// the resize succeeded, 0 if unchanged, -1 on a failed reallocation (in
// which case the capturer keeps its previous, now-stale buffer rather than
// being left with none).
static int xshm_resync(XShmCapturer *c) {
	XWindowAttributes attrs;
	if (!XGetWindowAttributes(c->display, c->root, &attrs)) return -1;
	if (attrs.width == c->width && attrs.height == c->height) return 0;

	int newWidth = attrs.width, newHeight = attrs.height;
	XImage *oldImage = c->image;
	XShmSegmentInfo oldShminfo = c->shminfo;
	int oldWidth = c->width, oldHeight = c->height;

	c->width = newWidth;
	c->height = newHeight;
	if (xshm_alloc_image(c) != 0) {
		// Restore the old, still-usable buffer rather than leaving the
		// capturer with no image at all.
		c->width = oldWidth;
		c->height = oldHeight;
		c->image = oldImage;
		c->shminfo = oldShminfo;
		return -1;
	}

	XShmDetach(c->display, &oldShminfo);
	shmdt(oldShminfo.shmaddr);
	XDestroyImage(oldImage);
	return 1;
}

static int xshm_grab(XShmCapturer *c) {
	if (!XShmGetImage(c->display, c->root, c->image, 0, 0, AllPlanes)) {
		return -1;
	}
	XSync(c->display, False);
	return 0;
}

static void xshm_composite_cursor(XShmCapturer *c) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(c->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot;
	int cy = cursor->y - cursor->yhot;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= c->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= c->width) continue;

			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 0) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = (pixel >> 16) & 0xFF;

			int offset = dy * c->image->bytes_per_line + dx * 4;
			unsigned char *dst = (unsigned char*)c->image->data + offset;

			if (a == 255) {
				dst[0] = cb;
				dst[1] = cg;
				dst[2] = cr;
			} else {
				dst[0] = (cb * a + dst[0] * (255 - a)) / 255;
				dst[1] = (cg * a + dst[1] * (255 - a)) / 255;
				dst[2] = (cr * a + dst[2] * (255 - a)) / 255;
			}
		}
	}
	XFree(cursor);
}

static void xshm_destroy(XShmCapturer *c) {
	if (!c) return;
	xshm_free_image(c);
	XCloseDisplay(c->display);
	free(c);
}
*/
import "C"
import (
	"fmt"
	"image"
	"image/color"
	"log"
	"time"
	"unsafe"

	"streamtablet/internal/types"
)

// X11Capturer captures frames via X11 shared memory, compositing the
// hardware cursor into the captured buffer the way the display server
// would render it locally.
type X11Capturer struct {
	c *C.XShmCapturer
}

// OpenX11 initializes an XShm screen capturer against the given display
// name (empty string uses $DISPLAY).
func OpenX11(displayName string) (*X11Capturer, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	xshm := C.xshm_init(cDisplay)
	if xshm == nil {
		return nil, fmt.Errorf("capture: XShm init failed on display %q", displayName)
	}
	log.Printf("capture[x11]: %dx%d", int(xshm.width), int(xshm.height))
	return &X11Capturer{c: xshm}, nil
}

func (c *X11Capturer) Width() int  { return int(c.c.width) }
func (c *X11Capturer) Height() int { return int(c.c.height) }

// Resync reallocates the shared-memory capture buffer if the root window's
// size has changed since the last call, such as after an xrandr mode switch
// between sessions. Called by the orchestrator at the start of each new
// session so a freshly connected receiver with a different negotiated
// resolution doesn't end up compared against stale screen dimensions.
func (c *X11Capturer) Resync() (bool, error) {
	r := C.xshm_resync(c.c)
	if r < 0 {
		return false, fmt.Errorf("capture[x11]: resync failed, keeping %dx%d", c.Width(), c.Height())
	}
	return r == 1, nil
}

func (c *X11Capturer) Grab() (*types.RawFrame, error) {
	if C.xshm_grab(c.c) != 0 {
		return nil, fmt.Errorf("capture[x11]: XShmGetImage failed")
	}
	C.xshm_composite_cursor(c.c)

	return &types.RawFrame{
		Ptr:         unsafe.Pointer(c.c.image.data),
		Width:       int(c.c.width),
		Height:      int(c.c.height),
		Stride:      int(c.c.image.bytes_per_line),
		TimestampUs: time.Now().UnixMicro(),
	}, nil
}

// GrabImage grabs a frame and returns it as a Go image, for diagnostics.
func (c *X11Capturer) GrabImage() (image.Image, error) {
	if C.xshm_grab(c.c) != 0 {
		return nil, fmt.Errorf("capture[x11]: XShmGetImage failed")
	}
	C.xshm_composite_cursor(c.c)
	w := int(c.c.width)
	h := int(c.c.height)
	stride := int(c.c.image.bytes_per_line)
	size := stride * h
	bgra := C.GoBytes(unsafe.Pointer(c.c.image.data), C.int(size))
	return bgraToImage(bgra, w, h, stride), nil
}

func (c *X11Capturer) Close() {
	C.xshm_destroy(c.c)
}

func bgraToImage(bgra []byte, w, h, stride int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + x*4
			img.SetRGBA(x, y, color.RGBA{bgra[off+2], bgra[off+1], bgra[off], 255})
		}
	}
	return img
}
