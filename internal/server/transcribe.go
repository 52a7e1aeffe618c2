package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/metrics"
	"github.com/fmueller/whisperd/internal/service"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// multipartSlack covers boundaries and part headers around the file itself.
const multipartSlack = 1 << 20

func (s *Server) fail(c *gin.Context, status int, errorType, detail string) {
	if errorType != "" {
		s.opts.Metrics.RecordError(errorType)
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func (s *Server) handleTranscribe(c *gin.Context) {
	if !s.opts.Readiness.IsReady() {
		s.fail(c, http.StatusServiceUnavailable, metrics.ErrorNotReady, "Whisper service not available")
		return
	}

	limit := s.opts.MaxFileSize
	if limit > 0 {
		if c.Request.ContentLength > limit+multipartSlack {
			s.fail(c, http.StatusRequestEntityTooLarge, metrics.ErrorFileTooLarge, "File too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartSlack)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.fail(c, http.StatusRequestEntityTooLarge, metrics.ErrorFileTooLarge, "File too large")
			return
		}
		s.fail(c, http.StatusBadRequest, metrics.ErrorMissingFile, "File is required")
		return
	}
	if limit > 0 && header.Size > limit {
		s.fail(c, http.StatusRequestEntityTooLarge, metrics.ErrorFileTooLarge, "File too large")
		return
	}

	if contentType := header.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "audio/") {
		s.fail(c, http.StatusBadRequest, metrics.ErrorInvalidFileType, "File must be an audio file")
		return
	}

	task, err := whisper.ParseTask(c.DefaultQuery("task", string(whisper.TaskTranscribe)))
	if err != nil {
		s.fail(c, http.StatusBadRequest, metrics.ErrorInvalidTask, "Task must be 'transcribe' or 'translate'")
		return
	}

	audio, err := readUpload(header)
	if err != nil {
		s.log.Warn("failed to read upload", zap.Error(err))
		s.fail(c, http.StatusBadRequest, metrics.ErrorMissingFile, "File is required")
		return
	}
	if len(audio) == 0 {
		s.fail(c, http.StatusBadRequest, metrics.ErrorEmptyFile, "Empty audio file")
		return
	}

	modelSize, computeType := s.opts.Service.ModelSize(), string(s.opts.Service.Compute())
	s.opts.Metrics.RecordRequest(modelSize, computeType)
	doneInFlight := s.opts.Metrics.TrackInFlight()
	defer doneInFlight()

	ctx := c.Request.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.opts.Transcriber.Transcribe(ctx, service.Request{
		Audio:    audio,
		Filename: header.Filename,
		Language: c.Query("language"),
		Task:     task,
	})
	s.opts.Metrics.ObserveDuration(modelSize, computeType, time.Since(started))

	if err != nil {
		s.transcribeFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) transcribeFailed(c *gin.Context, err error) {
	requestID := c.GetString(ctxRequestID)

	switch {
	case errors.Is(err, context.DeadlineExceeded) && s.opts.RequestTimeout > 0:
		s.log.Warn("transcription timed out", zap.String("request_id", requestID), zap.Duration("timeout", s.opts.RequestTimeout))
		s.fail(c, http.StatusGatewayTimeout, metrics.ErrorTimeout, "Transcription timed out")
	case errors.Is(err, service.ErrNotReady):
		s.fail(c, http.StatusServiceUnavailable, metrics.ErrorNotReady, "Whisper service not available")
	case errors.Is(err, service.ErrValidation):
		var svcErr *service.Error
		errors.As(err, &svcErr)
		s.fail(c, http.StatusBadRequest, "", svcErr.Message)
	default:
		s.log.Error("transcription failed", zap.String("request_id", requestID), zap.Error(err))
		s.fail(c, http.StatusInternalServerError, metrics.ErrorTranscriptionFailed, fmt.Sprintf("Transcription failed: %s", cause(err)))
	}
}

// cause strips the taxonomy wrapper so clients see the model's own message.
func cause(err error) string {
	var svcErr *service.Error
	if errors.As(err, &svcErr) && svcErr.Err != nil {
		return svcErr.Err.Error()
	}
	return err.Error()
}
