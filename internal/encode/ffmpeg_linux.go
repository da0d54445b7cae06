//go:build linux

// Package encode implements hardware video encoding via libavcodec, probing
// VAAPI first across every render device, then NVENC/CUDA, then falling
// back to software x264/x265/libaom.
package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libavutil/hwcontext.h>
#include <libavutil/hwcontext_vaapi.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	AVCodecContext *ctx;
	AVBufferRef *hw_device_ctx; // NULL for a pure-software codec
	AVBufferRef *hw_frames_ctx; // NULL for a pure-software codec
	AVFrame *sw_frame;          // NV12 buffer we fill from Go
	AVFrame *hw_frame;          // only used when hw_device_ctx != NULL
	AVPacket *pkt;
	int width;
	int height;
	int64_t pts;
	int keyframe_pending;
} GenericEncoder;

// genc_try_open attempts to open `codec_name` on `device_path` (empty string
// for a software or CUDA-default codec). rc_mode: 0 = CBR at bitrate,
// 1 = constant QP with a capped bitrate ceiling. headroom_mult scales
// bit_rate/rc_max_rate above the configured bitrate in constant-QP mode;
// buf_frames scales rc_buffer_size in units of one frame's worth of bits.
static GenericEncoder* genc_try_open(const char *codec_name, const char *device_path,
                                      int width, int height, int fps,
                                      int64_t bitrate, int gop, int cqp, int rc_mode,
                                      int headroom_mult, int buf_frames) {
	const AVCodec *codec = avcodec_find_encoder_by_name(codec_name);
	if (!codec) return NULL;

	GenericEncoder *e = (GenericEncoder*)calloc(1, sizeof(GenericEncoder));
	if (!e) return NULL;
	e->width = width;
	e->height = height;

	int is_vaapi = strstr(codec_name, "vaapi") != NULL;
	int is_nvenc = strstr(codec_name, "nvenc") != NULL;

	if (is_vaapi) {
		if (av_hwdevice_ctx_create(&e->hw_device_ctx, AV_HWDEVICE_TYPE_VAAPI,
		                           device_path, NULL, 0) < 0) {
			free(e);
			return NULL;
		}
		e->hw_frames_ctx = av_hwframe_ctx_alloc(e->hw_device_ctx);
		AVHWFramesContext *fctx = (AVHWFramesContext*)e->hw_frames_ctx->data;
		fctx->format = AV_PIX_FMT_VAAPI;
		fctx->sw_format = AV_PIX_FMT_NV12;
		fctx->width = width;
		fctx->height = height;
		fctx->initial_pool_size = 4;
		if (av_hwframe_ctx_init(e->hw_frames_ctx) < 0) {
			av_buffer_unref(&e->hw_frames_ctx);
			av_buffer_unref(&e->hw_device_ctx);
			free(e);
			return NULL;
		}
	}

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) {
		if (e->hw_frames_ctx) av_buffer_unref(&e->hw_frames_ctx);
		if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->gop_size = gop;
	e->ctx->max_b_frames = 0;
	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	if (is_vaapi) {
		e->ctx->pix_fmt = AV_PIX_FMT_VAAPI;
		e->ctx->hw_frames_ctx = av_buffer_ref(e->hw_frames_ctx);
	} else {
		e->ctx->pix_fmt = AV_PIX_FMT_NV12;
	}

	if (rc_mode == 1) {
		av_opt_set_int(e->ctx->priv_data, "qp", cqp, 0);
		e->ctx->bit_rate = bitrate * headroom_mult;
		e->ctx->rc_max_rate = bitrate * headroom_mult;
		e->ctx->rc_buffer_size = (int)(bitrate / fps) * buf_frames;
	} else {
		e->ctx->bit_rate = bitrate;
		e->ctx->rc_max_rate = bitrate;
		e->ctx->rc_buffer_size = (int)(bitrate / fps);
	}

	// Above 90fps there's less time between frames to spend on search, so
	// switch to the fastest preset/quality level each family offers.
	int fast = fps > 90;

	if (is_nvenc) {
		av_opt_set(e->ctx->priv_data, "preset", fast ? "p1" : "p4", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "rc", rc_mode == 1 ? "constqp" : "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
	} else if (is_vaapi) {
		av_opt_set_int(e->ctx->priv_data, "quality", fast ? 7 : 4, 0);
	} else {
		// software x264/x265/libaom-av1
		av_opt_set(e->ctx->priv_data, "preset", fast ? "ultrafast" : "faster", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		e->ctx->pix_fmt = AV_PIX_FMT_NV12;
	}

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		if (e->hw_frames_ctx) av_buffer_unref(&e->hw_frames_ctx);
		if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->sw_frame = av_frame_alloc();
	e->sw_frame->format = AV_PIX_FMT_NV12;
	e->sw_frame->width = width;
	e->sw_frame->height = height;
	av_frame_get_buffer(e->sw_frame, 0);

	if (is_vaapi) {
		e->hw_frame = av_frame_alloc();
	}

	e->pkt = av_packet_alloc();
	return e;
}

static void genc_request_keyframe(GenericEncoder *e) { e->keyframe_pending = 1; }

static int genc_encode(GenericEncoder *e, const uint8_t *y, int y_stride,
                        const uint8_t *uv, int uv_stride,
                        uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	av_frame_make_writable(e->sw_frame);
	for (int row = 0; row < e->height; row++) {
		memcpy(e->sw_frame->data[0] + row * e->sw_frame->linesize[0],
		       y + row * y_stride, e->width);
	}
	int uv_rows = (e->height + 1) / 2;
	for (int row = 0; row < uv_rows; row++) {
		memcpy(e->sw_frame->data[1] + row * e->sw_frame->linesize[1],
		       uv + row * uv_stride, e->width);
	}
	e->sw_frame->pts = e->pts++;

	AVFrame *send_frame = e->sw_frame;
	if (e->hw_frames_ctx) {
		av_frame_unref(e->hw_frame);
		if (av_hwframe_get_buffer(e->hw_frames_ctx, e->hw_frame, 0) < 0) return -1;
		if (av_hwframe_transfer_data(e->hw_frame, e->sw_frame, 0) < 0) return -1;
		e->hw_frame->pts = e->sw_frame->pts;
		send_frame = e->hw_frame;
	}

	if (e->keyframe_pending) {
		send_frame->pict_type = AV_PICTURE_TYPE_I;
		send_frame->flags |= AV_FRAME_FLAG_KEY;
	} else {
		send_frame->pict_type = AV_PICTURE_TYPE_NONE;
	}

	int ret = avcodec_send_frame(e->ctx, send_frame);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	if (*is_key) e->keyframe_pending = 0;
	return 0;
}

static void genc_unref(GenericEncoder *e) { av_packet_unref(e->pkt); }
static const char* genc_name(GenericEncoder *e) { return e->ctx->codec->name; }

static void genc_destroy(GenericEncoder *e) {
	if (!e) return;
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->hw_frame) av_frame_free(&e->hw_frame);
	if (e->sw_frame) av_frame_free(&e->sw_frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	if (e->hw_frames_ctx) av_buffer_unref(&e->hw_frames_ctx);
	if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
	free(e);
}
*/
import "C"
import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unsafe"

	"streamtablet/internal/types"
)

// candidateNames lists, per codec family, the encoder names tried in order:
// VAAPI first (per device), then NVENC, then software. Mirrors
// encoder_factory.cpp's "VAAPI, then CUDA" preference, generalized across
// codec families and extended with a software last resort the original
// C++ implementation didn't need (it only shipped hardware backends).
var candidateNames = map[types.Codec]struct {
	vaapi, nvenc, software string
}{
	types.CodecAV1:  {"av1_vaapi", "av1_nvenc", "libaom-av1"},
	types.CodecHEVC: {"hevc_vaapi", "hevc_nvenc", "libx265"},
	types.CodecH264: {"h264_vaapi", "h264_nvenc", "libx264"},
}

var probeOrder = []types.Codec{types.CodecAV1, types.CodecHEVC, types.CodecH264}

func renderDevices() []string {
	entries, err := os.ReadDir("/dev/dri")
	if err != nil {
		return nil
	}
	var devices []string
	for _, e := range entries {
		if len(e.Name()) >= 7 && e.Name()[:7] == "renderD" {
			devices = append(devices, filepath.Join("/dev/dri", e.Name()))
		}
	}
	sort.Strings(devices)
	return devices
}

// FFmpegEncoder wraps the generalized cgo encoder for one codec family.
type FFmpegEncoder struct {
	mu     sync.Mutex
	e      *C.GenericEncoder
	codec  types.Codec
	width  int
	height int
}

// NewEncoder opens a hardware (VAAPI, falling back to NVENC) or software
// encoder for the requested codec family, probing every render device
// before advancing to the next codec when family == CodecAuto.
func NewEncoder(cfg types.SessionConfig, width, height int) (types.VideoEncoder, error) {
	gop := cfg.GOPSize
	if gop <= 0 {
		gop = cfg.FPS / 2
		if gop < 1 {
			gop = 1
		}
	}
	rcMode := C.int(0)
	bitrate := int64(cfg.BitrateBPS)
	// headroomMult scales the constant-QP bitrate ceiling above the
	// configured bitrate; bufFrames scales the VBV buffer in units of one
	// frame's worth of bits. Auto keeps a wider buffer than High-quality so
	// a fast-moving frame doesn't immediately bump against the QP cap.
	headroomMult, bufFrames := 1, 1
	switch cfg.Quality {
	case types.QualityHigh:
		rcMode = 1
		headroomMult, bufFrames = 2, 1
	case types.QualityAuto:
		rcMode = 1
		headroomMult, bufFrames = 1, 4
	}
	cqp := cfg.CQP
	if cqp <= 0 {
		cqp = 24
	}

	families := probeOrder
	if cfg.Codec != types.CodecAuto {
		families = []types.Codec{cfg.Codec}
	}

	devices := renderDevices()

	for _, family := range families {
		names, ok := candidateNames[family]
		if !ok {
			continue
		}
		for _, dev := range devices {
			if e := tryOpen(names.vaapi, dev, width, height, cfg.FPS, bitrate, gop, cqp, rcMode, headroomMult, bufFrames); e != nil {
				return wrap(e, family, width, height), nil
			}
		}
		if e := tryOpen(names.nvenc, "", width, height, cfg.FPS, bitrate, gop, cqp, rcMode, headroomMult, bufFrames); e != nil {
			return wrap(e, family, width, height), nil
		}
		if e := tryOpen(names.software, "", width, height, cfg.FPS, bitrate, gop, cqp, rcMode, headroomMult, bufFrames); e != nil {
			return wrap(e, family, width, height), nil
		}
		log.Printf("encode: no %s encoder available (tried vaapi, nvenc, software)", family)
	}
	return nil, fmt.Errorf("encode: no encoder available across codec families %v on %d render device(s)", families, len(devices))
}

func tryOpen(name, device string, width, height, fps int, bitrate int64, gop, cqp int, rcMode C.int, headroomMult, bufFrames int) *C.GenericEncoder {
	if name == "" {
		return nil
	}
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	cDev := C.CString(device)
	defer C.free(unsafe.Pointer(cDev))
	return C.genc_try_open(cName, cDev, C.int(width), C.int(height), C.int(fps),
		C.int64_t(bitrate), C.int(gop), C.int(cqp), rcMode, C.int(headroomMult), C.int(bufFrames))
}

func wrap(e *C.GenericEncoder, family types.Codec, width, height int) *FFmpegEncoder {
	log.Printf("encode: using %s (%s family, %dx%d)", C.GoString(C.genc_name(e)), family, width, height)
	return &FFmpegEncoder{e: e, codec: family, width: width, height: height}
}

func (enc *FFmpegEncoder) Codec() types.Codec { return enc.codec }

func (enc *FFmpegEncoder) RequestKeyframe() {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	C.genc_request_keyframe(enc.e)
}

func (enc *FFmpegEncoder) Encode(frame *types.RawFrame) (*types.EncodedFrame, error) {
	var srcPtr unsafe.Pointer
	if frame.Ptr != nil {
		srcPtr = frame.Ptr
	} else {
		srcPtr = unsafe.Pointer(&frame.Data[0])
	}
	bgra := unsafe.Slice((*byte)(srcPtr), frame.Stride*frame.Height)
	y, uv, yStride, uvStride := BGRAToNV12(bgra, frame.Width, frame.Height, frame.Stride)

	enc.mu.Lock()
	defer enc.mu.Unlock()

	var outBuf *C.uint8_t
	var outSize C.int
	var isKey C.int

	ret := C.genc_encode(enc.e,
		(*C.uint8_t)(unsafe.Pointer(&y[0])), C.int(yStride),
		(*C.uint8_t)(unsafe.Pointer(&uv[0])), C.int(uvStride),
		&outBuf, &outSize, &isKey)
	if ret != 0 {
		return nil, fmt.Errorf("encode: avcodec pipeline failed")
	}
	if outSize == 0 {
		return nil, nil
	}

	data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
	C.genc_unref(enc.e)

	return &types.EncodedFrame{
		Data:        data,
		IsKey:       isKey != 0,
		TimestampUs: frame.TimestampUs,
	}, nil
}

func (enc *FFmpegEncoder) Close() {
	enc.mu.Lock()
	defer enc.mu.Unlock()
	C.genc_destroy(enc.e)
}
