package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// multipartOverhead is headroom for form boundaries and headers on top of
// the file size limit.
const multipartOverhead = 1 << 20

// Handler serves POST /upload_audio.
type Handler struct {
	pipeline   *Pipeline
	extensions []string
	maxBytes   int64
	sourceRate int
	requests   metric.Int64Counter
	logger     *slog.Logger
}

func NewHandler(pipeline *Pipeline, cfg config.Config, logger *slog.Logger) (*Handler, error) {
	requests, err := otel.Meter("github.com/loqalabs/loqa-scribe/internal/upload").Int64Counter("scribe.upload.requests",
		metric.WithDescription("Upload requests, by response status"))
	if err != nil {
		return nil, fmt.Errorf("upload metrics: %w", err)
	}
	return &Handler{
		pipeline:   pipeline,
		extensions: cfg.Upload.AllowedExtensions,
		maxBytes:   cfg.Upload.MaxBytes,
		sourceRate: cfg.Audio.SourceSampleRate,
		requests:   requests,
		logger:     logger.With(slog.String("component", "upload")),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.fail(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.fail(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		h.fail(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(h.extensions, ext) {
		h.fail(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q", ext))
		return
	}
	if header.Size > h.maxBytes {
		h.fail(w, r, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	var frame audio.Frame
	if ext == ".wav" {
		frame, err = audio.DecodeWAV(file)
	} else {
		frame, err = h.decodeRaw(file, r.FormValue("sample_rate"))
	}
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "could not decode audio: "+err.Error())
		return
	}

	event, err := h.pipeline.Transcribe(r.Context(), frame)
	if err != nil {
		if errors.Is(err, ErrEmptyAudio) {
			h.fail(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("upload transcription failed", slog.String("file", header.Filename), slogError(err))
		h.fail(w, r, http.StatusInternalServerError, "transcription failed")
		return
	}
	h.logger.Info("upload transcribed",
		slog.String("session_id", event.SessionID),
		slog.String("file", header.Filename),
		slog.Int("sample_rate", frame.SampleRate),
		slog.Float64("seconds", frame.Seconds()))
	h.respond(w, r, http.StatusOK, event)
}

// decodeRaw reads headerless little-endian PCM. The rate comes from the form
// or falls back to the configured source rate.
func (h *Handler) decodeRaw(r io.Reader, rateField string) (audio.Frame, error) {
	rate := h.sourceRate
	if rateField != "" {
		parsed, err := strconv.Atoi(rateField)
		if err != nil || parsed <= 0 {
			return audio.Frame{}, fmt.Errorf("invalid sample_rate %q", rateField)
		}
		rate = parsed
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return audio.Frame{}, err
	}
	buf := audio.NewSampleBuffer(len(data) + 1)
	buf.Append(data)
	samples, err := audio.DecodePCM16(buf.DrainAllAligned())
	if err != nil {
		return audio.Frame{}, err
	}
	return audio.Frame{Samples: samples, SampleRate: rate}, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.respond(w, r, status, protocol.ErrorResponse{Error: msg})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	h.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.Int("status", status)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", slogError(err))
	}
}
