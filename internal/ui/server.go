package ui

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultAddr   = ":8501"
	DefaultAPIURL = "http://localhost:8000"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type Language struct {
	Code  string
	Label string
}

// Languages are the hints offered in the form; the empty code lets the model detect.
var Languages = []Language{
	{"", "Auto-detect"},
	{"en", "English"},
	{"es", "Spanish"},
	{"fr", "French"},
	{"de", "German"},
	{"it", "Italian"},
	{"pt", "Portuguese"},
	{"zh", "Chinese"},
	{"ja", "Japanese"},
	{"ko", "Korean"},
}

var SupportedFormats = []string{".mp3", ".wav", ".m4a", ".flac", ".ogg", ".wma", ".aac"}

// API is the subset of Client the pages call.
type API interface {
	CheckStatus(ctx context.Context) bool
	Transcribe(ctx context.Context, filename string, audio []byte, language, task string) (*service.Result, error)
}

type Options struct {
	API    API
	Logger *zap.Logger
	// Now stamps download file names; defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	api    API
	log    *zap.Logger
	now    func() time.Time
	engine *gin.Engine
}

type segmentView struct {
	Index int
	Start string
	End   string
	Text  string
}

type resultView struct {
	Filename     string
	Duration     string
	Language     string
	Confidence   string
	SegmentCount int
	FullText     string
	Segments     []segmentView
	Model        string
}

type page struct {
	Languages []Language
	Accept    string
	Formats   string
	Language  string
	Task      string
	Status    string
	Error     string
	Result    *resultView
}

func New(opts Options) (*Server, error) {
	if opts.API == nil {
		return nil, errors.New("ui: api client is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse ui templates: %w", err)
	}

	s := &Server{api: opts.API, log: opts.Logger, now: opts.Now}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.SetHTMLTemplate(tmpl)
	engine.GET("/", s.handleIndex)
	engine.POST("/status", s.handleStatus)
	engine.POST("/transcribe", s.handleTranscribe)
	engine.POST("/download", s.handleDownload)

	s.engine = engine
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("ui listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) newPage() page {
	return page{
		Languages: Languages,
		Accept:    strings.Join(SupportedFormats, ","),
		Formats:   strings.ToUpper(strings.Join(trimDots(SupportedFormats), ", ")),
		Task:      "transcribe",
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html.tmpl", s.newPage())
}

func (s *Server) handleStatus(c *gin.Context) {
	p := s.newPage()
	if s.api.CheckStatus(c.Request.Context()) {
		p.Status = "ready"
	} else {
		p.Status = "offline"
	}
	c.HTML(http.StatusOK, "index.html.tmpl", p)
}

func (s *Server) handleTranscribe(c *gin.Context) {
	p := s.newPage()
	p.Language = c.PostForm("language")
	if task := c.PostForm("task"); task != "" {
		p.Task = task
	}

	header, err := c.FormFile("file")
	if err != nil {
		p.Error = "Choose an audio file to transcribe."
		c.HTML(http.StatusBadRequest, "index.html.tmpl", p)
		return
	}
	if !slices.Contains(SupportedFormats, strings.ToLower(filepath.Ext(header.Filename))) {
		p.Error = fmt.Sprintf("Unsupported file type. Supported formats: %s", p.Formats)
		c.HTML(http.StatusBadRequest, "index.html.tmpl", p)
		return
	}

	file, err := header.Open()
	if err != nil {
		p.Error = describeError(err)
		c.HTML(http.StatusBadRequest, "index.html.tmpl", p)
		return
	}
	audio, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		p.Error = describeError(err)
		c.HTML(http.StatusBadRequest, "index.html.tmpl", p)
		return
	}

	result, err := s.api.Transcribe(c.Request.Context(), header.Filename, audio, p.Language, p.Task)
	if err != nil {
		s.log.Warn("transcription request failed", zap.String("filename", header.Filename), zap.Error(err))
		p.Error = describeError(err)
		c.HTML(http.StatusOK, "index.html.tmpl", p)
		return
	}

	p.Result = newResultView(result)
	c.HTML(http.StatusOK, "index.html.tmpl", p)
}

func (s *Server) handleDownload(c *gin.Context) {
	name := fmt.Sprintf("transcription_%d.txt", s.now().Unix())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(c.PostForm("text")))
}

func describeError(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("API Error %d: %s", apiErr.StatusCode, apiErr.Body)
	case errors.Is(err, ErrTimeout):
		return "Request timed out. The audio file might be too long."
	default:
		return fmt.Sprintf("Request failed: %v", err)
	}
}

func newResultView(result *service.Result) *resultView {
	view := &resultView{
		Filename:     result.Filename,
		Duration:     fmt.Sprintf("%.1fs", result.Duration),
		Language:     strings.ToUpper(result.Language),
		Confidence:   fmt.Sprintf("%.1f%%", result.LanguageProbability*100),
		SegmentCount: len(result.Transcription.Segments),
		FullText:     result.Transcription.FullText,
		Model:        fmt.Sprintf("%s (%s)", result.ModelInfo.ModelSize, result.ModelInfo.ComputeType),
	}
	for i, segment := range result.Transcription.Segments {
		view.Segments = append(view.Segments, segmentView{
			Index: i + 1,
			Start: clock(segment.Start),
			End:   clock(segment.End),
			Text:  strings.TrimSpace(segment.Text),
		})
	}
	return view
}

// clock renders seconds as MM:SS.
func clock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func trimDots(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		out = append(out, strings.TrimPrefix(ext, "."))
	}
	return out
}
