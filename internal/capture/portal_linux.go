//go:build linux

package capture

/*
#cgo pkg-config: dbus-1 libpipewire-0.3
#include <dbus/dbus.h>
#include <pipewire/pipewire.h>
#include <pipewire/thread-loop.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/video/raw.h>
#include <spa/pod/builder.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <unistd.h>

// ---------------------------------------------------------------------------
// xdg-desktop-portal ScreenCast client, wired directly against libdbus-1
// rather than GDBus: CreateSession -> SelectSources -> Start ->
// OpenPipeWireRemote, yielding a PipeWire node id and an fd to open the
// remote with, followed by a real pw_stream hookup.
// ---------------------------------------------------------------------------

#define PORTAL_BUS_NAME    "org.freedesktop.portal.Desktop"
#define PORTAL_OBJECT_PATH "/org/freedesktop/portal/desktop"
#define SCREENCAST_IFACE   "org.freedesktop.portal.ScreenCast"
#define REQUEST_IFACE      "org.freedesktop.portal.Request"

typedef struct {
	DBusConnection *conn;
	char session_handle[256];
	char request_token[64];
	unsigned int node_id;
	int pw_fd;

	struct pw_thread_loop *pw_loop;
	struct pw_context *pw_context;
	struct pw_core *pw_core;
	struct pw_stream *pw_stream;
	struct spa_hook stream_listener;

	int width;
	int height;
	uint32_t format;

	uintptr_t go_handle;
} PortalSession;

static PortalSession *portal_open(void) {
	DBusError err;
	dbus_error_init(&err);
	DBusConnection *conn = dbus_bus_get(DBUS_BUS_SESSION, &err);
	if (!conn) { dbus_error_free(&err); return NULL; }

	PortalSession *ps = (PortalSession*)calloc(1, sizeof(PortalSession));
	if (!ps) { dbus_connection_unref(conn); return NULL; }
	ps->conn = conn;
	ps->pw_fd = -1;
	snprintf(ps->request_token, sizeof(ps->request_token), "streamtablet_%d", (int)getpid());
	return ps;
}

// dict_lookup_basic scans an a{sv} dict iterator for key and copies its
// variant's basic-typed value into out. Returns 0 on success, -1 if not
// found or the variant isn't the expected basic type.
static int dict_lookup_basic(DBusMessageIter *dict_iter, const char *key, int want_type, void *out) {
	while (dbus_message_iter_get_arg_type(dict_iter) == DBUS_TYPE_DICT_ENTRY) {
		DBusMessageIter entry, variant;
		dbus_message_iter_recurse(dict_iter, &entry);

		const char *k = NULL;
		dbus_message_iter_get_basic(&entry, &k);
		if (k && strcmp(k, key) == 0) {
			dbus_message_iter_next(&entry);
			dbus_message_iter_recurse(&entry, &variant);
			if (dbus_message_iter_get_arg_type(&variant) != want_type) return -1;
			dbus_message_iter_get_basic(&variant, out);
			return 0;
		}
		dbus_message_iter_next(dict_iter);
	}
	return -1;
}

// portal_wait_response polls for the "Response" signal on request_path: the
// object CreateSession/SelectSources/Start return immediately, while the
// actual result (which can require the user to click through a picker)
// arrives asynchronously as a signal on that path. Returns an owned
// DBusMessage on success (caller must dbus_message_unref), NULL on timeout.
static DBusMessage *portal_wait_response(DBusConnection *conn, const char *request_path,
                                          unsigned int *out_code, int timeout_ms) {
	char rule[512];
	snprintf(rule, sizeof(rule),
		"type='signal',interface='%s',member='Response',path='%s'",
		REQUEST_IFACE, request_path);

	DBusError err;
	dbus_error_init(&err);
	dbus_bus_add_match(conn, rule, &err);
	dbus_connection_flush(conn);
	if (dbus_error_is_set(&err)) { dbus_error_free(&err); return NULL; }

	DBusMessage *result = NULL;
	int waited = 0;
	while (waited < timeout_ms) {
		dbus_connection_read_write(conn, 50);
		DBusMessage *msg;
		while ((msg = dbus_connection_pop_message(conn)) != NULL) {
			if (dbus_message_is_signal(msg, REQUEST_IFACE, "Response") &&
			    strcmp(dbus_message_get_path(msg), request_path) == 0) {
				DBusMessageIter iter;
				dbus_message_iter_init(msg, &iter);
				unsigned int code = 1;
				dbus_message_iter_get_basic(&iter, &code);
				if (out_code) *out_code = code;
				result = msg;
				goto done;
			}
			dbus_message_unref(msg);
		}
		waited += 50;
	}
done:
	dbus_bus_remove_match(conn, rule, NULL);
	return result;
}

static int extract_session_handle(DBusMessage *msg, char *out, size_t cap) {
	DBusMessageIter iter, dict;
	dbus_message_iter_init(msg, &iter);
	dbus_message_iter_next(&iter);
	if (dbus_message_iter_get_arg_type(&iter) != DBUS_TYPE_ARRAY) return -1;
	dbus_message_iter_recurse(&iter, &dict);

	const char *handle = NULL;
	if (dict_lookup_basic(&dict, "session_handle", DBUS_TYPE_STRING, &handle) != 0 || !handle) {
		return -1;
	}
	snprintf(out, cap, "%s", handle);
	return 0;
}

// extract_node_id digs the PipeWire node id out of Start's "streams"
// entry, an a(ua{sv}) array whose first element's first field is the id.
static int extract_node_id(DBusMessage *msg, unsigned int *node_id_out) {
	DBusMessageIter iter, dict;
	dbus_message_iter_init(msg, &iter);
	dbus_message_iter_next(&iter);
	if (dbus_message_iter_get_arg_type(&iter) != DBUS_TYPE_ARRAY) return -1;
	dbus_message_iter_recurse(&iter, &dict);

	while (dbus_message_iter_get_arg_type(&dict) == DBUS_TYPE_DICT_ENTRY) {
		DBusMessageIter entry, variant, streams, stream0;
		dbus_message_iter_recurse(&dict, &entry);

		const char *k = NULL;
		dbus_message_iter_get_basic(&entry, &k);
		if (k && strcmp(k, "streams") == 0) {
			dbus_message_iter_next(&entry);
			dbus_message_iter_recurse(&entry, &variant);
			dbus_message_iter_recurse(&variant, &streams);
			if (dbus_message_iter_get_arg_type(&streams) == DBUS_TYPE_STRUCT) {
				dbus_message_iter_recurse(&streams, &stream0);
				unsigned int node_id = 0;
				dbus_message_iter_get_basic(&stream0, &node_id);
				*node_id_out = node_id;
				return 0;
			}
			return -1;
		}
		dbus_message_iter_next(&dict);
	}
	return -1;
}

// portal_request builds and sends a ScreenCast method call whose only
// synchronous reply is the Request object path; the caller waits on that
// path via portal_wait_response for the actual result. extra_path, when
// non-NULL, is sent as a leading object-path argument (the session handle,
// for SelectSources/Start) before the options dict.
static int portal_request(PortalSession *ps, const char *method, const char *extra_path,
                           const char *parent_window, char *request_path_out, size_t cap) {
	DBusMessage *msg = dbus_message_new_method_call(PORTAL_BUS_NAME, PORTAL_OBJECT_PATH,
		SCREENCAST_IFACE, method);
	if (!msg) return -1;

	DBusMessageIter iter, arr, entry, variant;
	dbus_message_iter_init_append(msg, &iter);

	if (extra_path) {
		dbus_message_iter_append_basic(&iter, DBUS_TYPE_OBJECT_PATH, &extra_path);
	}
	if (parent_window) {
		dbus_message_iter_append_basic(&iter, DBUS_TYPE_STRING, &parent_window);
	}

	dbus_message_iter_open_container(&iter, DBUS_TYPE_ARRAY, "{sv}", &arr);

	const char *tok_key = "handle_token";
	const char *tok = ps->request_token;
	dbus_message_iter_open_container(&arr, DBUS_TYPE_DICT_ENTRY, NULL, &entry);
	dbus_message_iter_append_basic(&entry, DBUS_TYPE_STRING, &tok_key);
	dbus_message_iter_open_container(&entry, DBUS_TYPE_VARIANT, "s", &variant);
	dbus_message_iter_append_basic(&variant, DBUS_TYPE_STRING, &tok);
	dbus_message_iter_close_container(&entry, &variant);
	dbus_message_iter_close_container(&arr, &entry);

	if (strcmp(method, "CreateSession") == 0) {
		const char *sh_key = "session_handle_token";
		dbus_message_iter_open_container(&arr, DBUS_TYPE_DICT_ENTRY, NULL, &entry);
		dbus_message_iter_append_basic(&entry, DBUS_TYPE_STRING, &sh_key);
		dbus_message_iter_open_container(&entry, DBUS_TYPE_VARIANT, "s", &variant);
		dbus_message_iter_append_basic(&variant, DBUS_TYPE_STRING, &tok);
		dbus_message_iter_close_container(&entry, &variant);
		dbus_message_iter_close_container(&arr, &entry);
	} else if (strcmp(method, "SelectSources") == 0) {
		const char *types_key = "types";
		dbus_uint32_t types_val = 1; // monitor only
		dbus_message_iter_open_container(&arr, DBUS_TYPE_DICT_ENTRY, NULL, &entry);
		dbus_message_iter_append_basic(&entry, DBUS_TYPE_STRING, &types_key);
		dbus_message_iter_open_container(&entry, DBUS_TYPE_VARIANT, "u", &variant);
		dbus_message_iter_append_basic(&variant, DBUS_TYPE_UINT32, &types_val);
		dbus_message_iter_close_container(&entry, &variant);
		dbus_message_iter_close_container(&arr, &entry);

		const char *multi_key = "multiple";
		dbus_bool_t multi_val = FALSE;
		dbus_message_iter_open_container(&arr, DBUS_TYPE_DICT_ENTRY, NULL, &entry);
		dbus_message_iter_append_basic(&entry, DBUS_TYPE_STRING, &multi_key);
		dbus_message_iter_open_container(&entry, DBUS_TYPE_VARIANT, "b", &variant);
		dbus_message_iter_append_basic(&variant, DBUS_TYPE_BOOLEAN, &multi_val);
		dbus_message_iter_close_container(&entry, &variant);
		dbus_message_iter_close_container(&arr, &entry);

		const char *cursor_key = "cursor_mode";
		dbus_uint32_t cursor_val = 2; // embedded in stream frames
		dbus_message_iter_open_container(&arr, DBUS_TYPE_DICT_ENTRY, NULL, &entry);
		dbus_message_iter_append_basic(&entry, DBUS_TYPE_STRING, &cursor_key);
		dbus_message_iter_open_container(&entry, DBUS_TYPE_VARIANT, "u", &variant);
		dbus_message_iter_append_basic(&variant, DBUS_TYPE_UINT32, &cursor_val);
		dbus_message_iter_close_container(&entry, &variant);
		dbus_message_iter_close_container(&arr, &entry);
	}

	dbus_message_iter_close_container(&iter, &arr);

	DBusError err;
	dbus_error_init(&err);
	DBusMessage *reply = dbus_connection_send_with_reply_and_block(ps->conn, msg, 5000, &err);
	dbus_message_unref(msg);
	if (!reply) { dbus_error_free(&err); return -1; }

	DBusMessageIter reply_iter;
	const char *path = NULL;
	dbus_message_iter_init(reply, &reply_iter);
	dbus_message_iter_get_basic(&reply_iter, &path);
	if (!path) { dbus_message_unref(reply); return -1; }
	snprintf(request_path_out, cap, "%s", path);
	dbus_message_unref(reply);
	return 0;
}

static int portal_create_session(PortalSession *ps) {
	char request_path[256];
	if (portal_request(ps, "CreateSession", NULL, NULL, request_path, sizeof(request_path)) != 0) {
		return -1;
	}
	unsigned int code = 1;
	DBusMessage *resp = portal_wait_response(ps->conn, request_path, &code, 30000);
	if (!resp) return -1;
	int rc = (code == 0) ? extract_session_handle(resp, ps->session_handle, sizeof(ps->session_handle)) : -1;
	dbus_message_unref(resp);
	return rc;
}

static int portal_select_sources(PortalSession *ps) {
	char request_path[256];
	if (portal_request(ps, "SelectSources", ps->session_handle, NULL, request_path, sizeof(request_path)) != 0) {
		return -1;
	}
	unsigned int code = 1;
	// Source picking can require the user to click through a dialog.
	DBusMessage *resp = portal_wait_response(ps->conn, request_path, &code, 120000);
	if (!resp) return -1;
	dbus_message_unref(resp);
	return code == 0 ? 0 : -1;
}

static int portal_start(PortalSession *ps) {
	char request_path[256];
	if (portal_request(ps, "Start", ps->session_handle, "", request_path, sizeof(request_path)) != 0) {
		return -1;
	}
	unsigned int code = 1;
	DBusMessage *resp = portal_wait_response(ps->conn, request_path, &code, 30000);
	if (!resp) return -1;
	int rc = (code == 0) ? extract_node_id(resp, &ps->node_id) : -1;
	dbus_message_unref(resp);
	return rc;
}

static int portal_open_pipewire_remote(PortalSession *ps) {
	DBusMessage *msg = dbus_message_new_method_call(PORTAL_BUS_NAME, PORTAL_OBJECT_PATH,
		SCREENCAST_IFACE, "OpenPipeWireRemote");
	if (!msg) return -1;

	DBusMessageIter iter, arr;
	dbus_message_iter_init_append(msg, &iter);
	const char *sh = ps->session_handle;
	dbus_message_iter_append_basic(&iter, DBUS_TYPE_OBJECT_PATH, &sh);
	dbus_message_iter_open_container(&iter, DBUS_TYPE_ARRAY, "{sv}", &arr);
	dbus_message_iter_close_container(&iter, &arr);

	DBusError err;
	dbus_error_init(&err);
	DBusMessage *reply = dbus_connection_send_with_reply_and_block(ps->conn, msg, 5000, &err);
	dbus_message_unref(msg);
	if (!reply) { dbus_error_free(&err); return -1; }

	DBusMessageIter reply_iter;
	dbus_message_iter_init(reply, &reply_iter);
	if (dbus_message_iter_get_arg_type(&reply_iter) != DBUS_TYPE_UNIX_FD) {
		dbus_message_unref(reply);
		return -1;
	}
	int fd = -1;
	dbus_message_iter_get_basic(&reply_iter, &fd);
	dbus_message_unref(reply);
	if (fd < 0) return -1;
	ps->pw_fd = fd;
	return 0;
}

static void portal_close(PortalSession *ps) {
	if (!ps) return;
	if (ps->pw_stream) pw_stream_destroy(ps->pw_stream);
	if (ps->pw_core) pw_core_disconnect(ps->pw_core);
	if (ps->pw_context) pw_context_destroy(ps->pw_context);
	if (ps->pw_loop) {
		pw_thread_loop_stop(ps->pw_loop);
		pw_thread_loop_destroy(ps->pw_loop);
	}
	if (ps->pw_fd >= 0) close(ps->pw_fd);
	if (ps->conn) dbus_connection_unref(ps->conn);
	free(ps);
}

extern void goPipewireStateChanged(uintptr_t handle, int state);
extern void goPipewireParamChanged(uintptr_t handle, int width, int height, uint32_t format);
extern void goPipewireFrame(uintptr_t handle, void *data, int width, int height, int stride);

static void on_state_changed(void *data, enum pw_stream_state old_state,
                              enum pw_stream_state state, const char *error) {
	PortalSession *ps = (PortalSession *)data;
	goPipewireStateChanged(ps->go_handle, (int)state);
}

static void on_param_changed(void *data, uint32_t id, const struct spa_pod *param) {
	PortalSession *ps = (PortalSession *)data;
	if (!param || id != SPA_PARAM_Format) return;

	struct spa_video_info_raw info;
	if (spa_format_video_raw_parse(param, &info) < 0) return;

	ps->width = info.size.width;
	ps->height = info.size.height;
	ps->format = info.format;
	goPipewireParamChanged(ps->go_handle, ps->width, ps->height, ps->format);
}

static void on_process(void *data) {
	PortalSession *ps = (PortalSession *)data;
	struct pw_buffer *b = pw_stream_dequeue_buffer(ps->pw_stream);
	if (!b) return;

	struct spa_buffer *buf = b->buffer;
	struct spa_data *d = &buf->datas[0];
	if (d->data && ps->width > 0 && ps->height > 0) {
		int stride = d->chunk->stride ? d->chunk->stride : ps->width * 4;
		goPipewireFrame(ps->go_handle, d->data, ps->width, ps->height, stride);
	}
	pw_stream_queue_buffer(ps->pw_stream, b);
}

static struct pw_stream_events stream_events = {
	PW_VERSION_STREAM_EVENTS,
	.state_changed = on_state_changed,
	.param_changed = on_param_changed,
	.process = on_process,
};

// portal_connect_stream takes ownership of the portal-issued PipeWire fd,
// brings up a threaded PipeWire loop (pw_thread_loop gives the stream its
// own dispatch thread instead of needing a Go goroutine to pump a manual
// main-loop iterate call), negotiates a packed 32-bit format against
// node_id, and connects the stream. go_handle is a cgo.Handle value passed
// through as an opaque integer so the stream callbacks (invoked on
// PipeWire's own thread) never touch a raw Go pointer.
static int portal_connect_stream(PortalSession *ps, uintptr_t go_handle) {
	ps->go_handle = go_handle;

	ps->pw_loop = pw_thread_loop_new("streamtablet-capture", NULL);
	if (!ps->pw_loop) return -1;

	pw_thread_loop_lock(ps->pw_loop);

	ps->pw_context = pw_context_new(pw_thread_loop_get_loop(ps->pw_loop), NULL, 0);
	if (!ps->pw_context) { pw_thread_loop_unlock(ps->pw_loop); return -1; }

	ps->pw_core = pw_context_connect_fd(ps->pw_context, ps->pw_fd, NULL, 0);
	if (!ps->pw_core) { pw_thread_loop_unlock(ps->pw_loop); return -1; }
	ps->pw_fd = -1; // pipewire owns it now

	struct pw_properties *props = pw_properties_new(
		PW_KEY_MEDIA_TYPE, "Video",
		PW_KEY_MEDIA_CATEGORY, "Capture",
		PW_KEY_MEDIA_ROLE, "Screen",
		NULL);

	ps->pw_stream = pw_stream_new(ps->pw_core, "streamtablet-capture", props);
	if (!ps->pw_stream) { pw_thread_loop_unlock(ps->pw_loop); return -1; }

	pw_stream_add_listener(ps->pw_stream, &ps->stream_listener, &stream_events, ps);

	uint8_t buffer[1024];
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
	const struct spa_pod *params[1];
	params[0] = (const struct spa_pod *)spa_pod_builder_add_object(&b,
		SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
		SPA_FORMAT_mediaType,       SPA_POD_Id(SPA_MEDIA_TYPE_video),
		SPA_FORMAT_mediaSubtype,    SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
		SPA_FORMAT_VIDEO_format,    SPA_POD_CHOICE_ENUM_Id(5,
			SPA_VIDEO_FORMAT_BGRx,
			SPA_VIDEO_FORMAT_BGRA,
			SPA_VIDEO_FORMAT_RGBx,
			SPA_VIDEO_FORMAT_RGBA,
			SPA_VIDEO_FORMAT_xBGR),
		SPA_FORMAT_VIDEO_size,      SPA_POD_CHOICE_RANGE_Rectangle(
			&SPA_RECTANGLE(1920, 1080),
			&SPA_RECTANGLE(1, 1),
			&SPA_RECTANGLE(8192, 8192)),
		SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
			&SPA_FRACTION(60, 1),
			&SPA_FRACTION(0, 1),
			&SPA_FRACTION(144, 1)));

	int ret = pw_stream_connect(ps->pw_stream, PW_DIRECTION_INPUT, ps->node_id,
		PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS, params, 1);

	pw_thread_loop_unlock(ps->pw_loop);

	if (ret < 0) return -1;
	return pw_thread_loop_start(ps->pw_loop);
}
*/
import "C"

import (
	"fmt"
	"log"
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"streamtablet/internal/types"
)

// PortalCapturer captures frames via xdg-desktop-portal ScreenCast +
// PipeWire. Frames arrive asynchronously on the PipeWire stream's process
// callback (invoked on PipeWire's own thread) and are handed to Grab()
// through a small mailbox, normalized to packed BGRA regardless of which of
// the negotiated formats the compositor actually picked.
type PortalCapturer struct {
	ps     *C.PortalSession
	handle cgo.Handle

	mu     sync.Mutex
	width  int
	height int
	stride int
	format uint32
	frame  []byte
	ready  chan struct{}
	state  chan error
	closed bool
}

var pwInitOnce sync.Once

// OpenPortal negotiates a ScreenCast session through xdg-desktop-portal
// (CreateSession -> SelectSources -> Start -> OpenPipeWireRemote) and
// brings up the resulting PipeWire stream. Requires a session bus and a
// portal backend that supports ScreenCast (e.g. under a Wayland
// compositor); blocks until the stream reports its negotiated format or
// times out.
func OpenPortal() (*PortalCapturer, error) {
	pwInitOnce.Do(func() {
		C.pw_init(nil, nil)
	})

	ps := C.portal_open()
	if ps == nil {
		return nil, fmt.Errorf("capture[portal]: failed to connect to session bus")
	}

	if C.portal_create_session(ps) != 0 {
		C.portal_close(ps)
		return nil, fmt.Errorf("capture[portal]: CreateSession failed or was denied")
	}
	if C.portal_select_sources(ps) != 0 {
		C.portal_close(ps)
		return nil, fmt.Errorf("capture[portal]: SelectSources failed, timed out, or was cancelled")
	}
	if C.portal_start(ps) != 0 {
		C.portal_close(ps)
		return nil, fmt.Errorf("capture[portal]: Start failed or was denied")
	}
	if C.portal_open_pipewire_remote(ps) != 0 {
		C.portal_close(ps)
		return nil, fmt.Errorf("capture[portal]: OpenPipeWireRemote failed")
	}
	if ps.node_id == 0 {
		C.portal_close(ps)
		return nil, fmt.Errorf("capture[portal]: no PipeWire node from portal Start()")
	}

	pc := &PortalCapturer{
		ps:    ps,
		ready: make(chan struct{}, 1),
		state: make(chan error, 1),
	}
	pc.handle = cgo.NewHandle(pc)

	if C.portal_connect_stream(ps, C.uintptr_t(pc.handle)) != 0 {
		pc.handle.Delete()
		C.portal_close(ps)
		return nil, fmt.Errorf("capture[portal]: failed to connect PipeWire stream")
	}

	select {
	case err := <-pc.state:
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("capture[portal]: stream error: %w", err)
		}
	case <-time.After(5 * time.Second):
		pc.Close()
		return nil, fmt.Errorf("capture[portal]: timed out waiting for stream to start")
	}

	pc.mu.Lock()
	w, h := pc.width, pc.height
	pc.mu.Unlock()
	if w == 0 || h == 0 {
		pc.Close()
		return nil, fmt.Errorf("capture[portal]: stream never negotiated a format")
	}

	log.Printf("capture[portal]: %dx%d via PipeWire node %d", w, h, uint32(ps.node_id))
	return pc, nil
}

func (c *PortalCapturer) Width() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width
}

func (c *PortalCapturer) Height() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Grab waits for the next frame PipeWire delivers, already normalized to
// packed BGRA, and returns an owned copy.
func (c *PortalCapturer) Grab() (*types.RawFrame, error) {
	select {
	case <-c.ready:
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("capture[portal]: timed out waiting for frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		return nil, fmt.Errorf("capture[portal]: no frame buffered")
	}
	data := make([]byte, len(c.frame))
	copy(data, c.frame)
	return &types.RawFrame{
		Data:        data,
		Width:       c.width,
		Height:      c.height,
		Stride:      c.stride,
		TimestampUs: time.Now().UnixMicro(),
	}, nil
}

func (c *PortalCapturer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	C.portal_close(c.ps)
	c.handle.Delete()
}

//export goPipewireStateChanged
func goPipewireStateChanged(handle C.uintptr_t, state C.int) {
	c, ok := cgo.Handle(handle).Value().(*PortalCapturer)
	if !ok {
		return
	}
	switch state {
	case C.PW_STREAM_STATE_STREAMING:
		select {
		case c.state <- nil:
		default:
		}
	case C.PW_STREAM_STATE_ERROR:
		select {
		case c.state <- fmt.Errorf("pipewire stream entered error state"):
		default:
		}
	}
}

//export goPipewireParamChanged
func goPipewireParamChanged(handle C.uintptr_t, width, height C.int, format C.uint32_t) {
	c, ok := cgo.Handle(handle).Value().(*PortalCapturer)
	if !ok {
		return
	}
	c.mu.Lock()
	c.width = int(width)
	c.height = int(height)
	c.stride = int(width) * 4
	c.format = uint32(format)
	if len(c.frame) != c.stride*int(height) {
		c.frame = make([]byte, c.stride*int(height))
	}
	c.mu.Unlock()
}

// goPipewireFrame receives one decoded video buffer from the PipeWire
// callback thread and normalizes whatever packed 32-bit format the
// compositor negotiated (BGRx/BGRA/RGBx/RGBA/xBGR) into the packed BGRA the
// rest of the pipeline expects, mirroring the channel-swap and alpha-fixup
// rules of the frame converter this is ported from.
//
//export goPipewireFrame
func goPipewireFrame(handle C.uintptr_t, data unsafe.Pointer, width, height, stride C.int) {
	c, ok := cgo.Handle(handle).Value().(*PortalCapturer)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	w, h, srcStride := int(width), int(height), int(stride)
	dstStride := w * 4
	if len(c.frame) != dstStride*h {
		c.frame = make([]byte, dstStride*h)
		c.stride = dstStride
	}

	src := unsafe.Slice((*byte)(data), srcStride*h)

	switch c.format {
	case uint32(C.SPA_VIDEO_FORMAT_BGRx), uint32(C.SPA_VIDEO_FORMAT_BGRA):
		copyRows(c.frame, dstStride, src, srcStride, w, h)
		if c.format == uint32(C.SPA_VIDEO_FORMAT_BGRx) {
			for i := 3; i < dstStride*h; i += 4 {
				c.frame[i] = 255
			}
		}
	case uint32(C.SPA_VIDEO_FORMAT_RGBx), uint32(C.SPA_VIDEO_FORMAT_RGBA):
		hasAlpha := c.format == uint32(C.SPA_VIDEO_FORMAT_RGBA)
		for y := 0; y < h; y++ {
			srow := src[y*srcStride:]
			drow := c.frame[y*dstStride:]
			for x := 0; x < w; x++ {
				drow[x*4+0] = srow[x*4+2]
				drow[x*4+1] = srow[x*4+1]
				drow[x*4+2] = srow[x*4+0]
				if hasAlpha {
					drow[x*4+3] = srow[x*4+3]
				} else {
					drow[x*4+3] = 255
				}
			}
		}
	case uint32(C.SPA_VIDEO_FORMAT_xBGR):
		for y := 0; y < h; y++ {
			srow := src[y*srcStride:]
			drow := c.frame[y*dstStride:]
			for x := 0; x < w; x++ {
				drow[x*4+0] = srow[x*4+1]
				drow[x*4+1] = srow[x*4+2]
				drow[x*4+2] = srow[x*4+3]
				drow[x*4+3] = 255
			}
		}
	default:
		log.Printf("capture[portal]: unrecognized format %d, copying raw", c.format)
		copyRows(c.frame, dstStride, src, srcStride, w, h)
	}

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func copyRows(dst []byte, dstStride int, src []byte, srcStride, width, height int) {
	rowBytes := width * 4
	for y := 0; y < height; y++ {
		copy(dst[y*dstStride:y*dstStride+rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
}
